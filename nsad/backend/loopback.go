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

package backend

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/nsi"
)

// DriverLoopback is the name of the built-in no-op driver. It touches no
// hardware and is used for demonstrations and integration tests.
const DriverLoopback = "loopback"

func init() {
	RegisterDriver(DriverLoopback, func(cfg map[string]string, logger log.Logger) (ConnectionManager, error) {
		swap := false
		if v, ok := cfg["swap"]; ok {
			var err error
			if swap, err = strconv.ParseBool(v); err != nil {
				return nil, err
			}
		}
		return &loopbackManager{swap: swap, logger: logger}, nil
	})
}

type loopbackManager struct {
	swap   bool
	logger log.Logger
}

func (m *loopbackManager) Resource(port string, labelValue int) string {
	return nsi.ResourceKey(port, labelValue)
}

func (m *loopbackManager) Target(port string, labelValue int) (string, error) {
	return port + "." + strconv.Itoa(labelValue), nil
}

func (m *loopbackManager) CanSwapLabel(labelType string) bool {
	return m.swap && labelType == nsi.LabelTypeVLAN
}

func (m *loopbackManager) CreateConnectionID(src, dst nsi.STP) (string, error) {
	return uuid.NewString(), nil
}

func (m *loopbackManager) SetupLink(
	ctx context.Context,
	connectionID, srcTarget, dstTarget string,
	capacity int64,
) error {
	m.logger.Info("Loopback link up", "conn_id", connectionID,
		"src", srcTarget, "dst", dstTarget, "capacity", capacity)
	return nil
}

func (m *loopbackManager) TeardownLink(
	ctx context.Context,
	connectionID, srcTarget, dstTarget string,
	capacity int64,
) error {
	m.logger.Info("Loopback link down", "conn_id", connectionID,
		"src", srcTarget, "dst", dstTarget, "capacity", capacity)
	return nil
}
