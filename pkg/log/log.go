// Copyright 2025 NORDUnet A/S
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the application logging facilities. It is a thin layer
// on top of zap that supports contextual key/value logging.
package log

import (
	"fmt"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the log level type.
type Level = zapcore.Level

// Available log levels.
const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Logger describes the logger interface.
type Logger interface {
	New(ctx ...interface{}) Logger
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Enabled(lvl Level) bool
}

type logger struct {
	logger *zap.Logger
}

// New creates a logger with the given context, based on the root logger.
func New(ctx ...interface{}) Logger {
	return &logger{logger: zap.L().With(convertCtx(ctx)...)}
}

func (l *logger) New(ctx ...interface{}) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...interface{}) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...interface{}) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...interface{}) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(lvl)
}

func convertCtx(ctx []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}

// Root returns the root logger. It is guaranteed to never return nil.
func Root() Logger {
	return &logger{logger: zap.L()}
}

// Discard sets the root logger to discard all log entries. Useful in tests
// that do not care about log output.
func Discard() {
	zap.ReplaceGlobals(zap.NewNop())
}

// Config configures the process-wide logger.
type Config struct {
	// Level of the logging: debug, info or error.
	Level string `toml:"level,omitempty"`
	// Format of the logging: human or json.
	Format string `toml:"format,omitempty"`
}

// InitDefaults populates unset fields to their defaults.
func (c *Config) InitDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "human"
	}
}

// Setup configures the process-wide logger and installs it as the zap global.
func Setup(cfg Config) error {
	cfg.InitDefaults()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("unsupported log level %q: %w", cfg.Level, err)
	}
	encoding := "json"
	encCfg := zap.NewProductionEncoderConfig()
	if strings.EqualFold(cfg.Format, "human") {
		encoding = "console"
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	zCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     encCfg,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	built, err := zCfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(built)
	return nil
}

// Flush writes the logs to the underlying buffer.
func Flush() {
	_ = zap.L().Sync()
}

// HandlePanic catches panics and logs them before exiting. It should be
// deferred as the first statement in every goroutine that is spawned.
func HandlePanic() {
	if msg := recover(); msg != nil {
		zap.L().Error("Panic", zap.Any("msg", msg),
			zap.ByteString("stack", debug.Stack()))
		_ = zap.L().Sync()
		panic(msg)
	}
}
