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

// Package config loads and validates the nsad service configuration from a
// TOML file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// Duration is a time.Duration that (un)marshals as a TOML string like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return serrors.WrapStr("parsing duration", err, "value", string(text))
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// General identifies the NSA.
type General struct {
	// NSAID is the URN of this NSA, e.g. "urn:ogf:network:aruba.net:nsa".
	NSAID string `toml:"nsa_id"`
	// Name is the human-readable NSA name used in the discovery document.
	Name string `toml:"name"`
	// BaseURL is the externally reachable base of all HTTP endpoints,
	// e.g. "https://aruba.net:9443".
	BaseURL string `toml:"base_url"`
}

// NRM describes the local network resource manager.
type NRM struct {
	// Network is the id of the managed network, e.g. "aruba.net:topology".
	Network string `toml:"network"`
	// File is the path of the NRM port map.
	File string `toml:"file"`
	// SwapLabels enables label swapping on internal cross connects.
	SwapLabels bool `toml:"swap_labels"`
	// Driver selects the connection manager driver. Defaults to the
	// loopback emulation driver.
	Driver string `toml:"driver"`
}

// DB configures the connection store.
type DB struct {
	// Connection is the sqlite database path.
	Connection string `toml:"connection"`
	// MaxOpenConns limits the sqlite connection pool when positive.
	MaxOpenConns int `toml:"max_open_conns"`
}

// Timeouts bundles the service timers.
type Timeouts struct {
	// Reserve is the two-phase-commit timeout of held reservations.
	Reserve Duration `toml:"reserve"`
	// Downstream is the HTTP timeout of requests to peer NSAs.
	Downstream Duration `toml:"downstream"`
}

// Routing configures the route vector table.
type Routing struct {
	// MaxCost drops vectors longer than this many hops. Zero uses the
	// routing default.
	MaxCost int `toml:"max_cost"`
	// Blacklist lists networks that are never routed to.
	Blacklist []string `toml:"blacklist"`
}

// API configures the HTTP listener.
type API struct {
	// Addr is the listen address, e.g. ":9443".
	Addr string `toml:"addr"`
	// CertFile and KeyFile enable TLS when both are set.
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	// ClientCAFile enables client certificate verification.
	ClientCAFile string `toml:"client_ca_file"`
	// AllowedNames restricts the management API to TLS clients with one of
	// these certificate common names. Empty allows everyone.
	AllowedNames []string `toml:"allowed_names"`
}

// Peer is one statically configured peer NSA.
type Peer struct {
	// NSAID is the URN of the peer NSA.
	NSAID string `toml:"nsa_id"`
	// Endpoint is the peer's CS2 provider endpoint.
	Endpoint string `toml:"endpoint"`
	// Networks lists the network ids reachable through this peer.
	Networks []string `toml:"networks"`
	// Cost is the route vector cost. Defaults to 1.
	Cost int `toml:"cost"`
}

// Config is the complete nsad configuration.
type Config struct {
	General  General    `toml:"general"`
	Logging  log.Config `toml:"logging"`
	NRM      NRM        `toml:"nrm"`
	DB       DB         `toml:"db"`
	Timeouts Timeouts   `toml:"timeouts"`
	Routing  Routing    `toml:"routing"`
	API      API        `toml:"api"`
	Peers    []Peer     `toml:"peers"`
}

// InitDefaults fills in the documented defaults for unset values.
func (cfg *Config) InitDefaults() {
	cfg.Logging.InitDefaults()
	if cfg.NRM.Driver == "" {
		cfg.NRM.Driver = "loopback"
	}
	if cfg.DB.Connection == "" {
		cfg.DB.Connection = "nsad.sqlite"
	}
	if cfg.Timeouts.Reserve.Duration == 0 {
		cfg.Timeouts.Reserve.Duration = 30 * time.Second
	}
	if cfg.Timeouts.Downstream.Duration == 0 {
		cfg.Timeouts.Downstream.Duration = 30 * time.Second
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":9443"
	}
	for i := range cfg.Peers {
		if cfg.Peers[i].Cost == 0 {
			cfg.Peers[i].Cost = 1
		}
	}
}

// Validate checks the configuration for errors a running service cannot
// recover from.
func (cfg *Config) Validate() error {
	if cfg.General.NSAID == "" {
		return serrors.New("general.nsa_id must be set")
	}
	if !strings.HasPrefix(cfg.General.NSAID, "urn:ogf:network:") {
		return serrors.New("general.nsa_id must be an urn:ogf:network URN",
			"nsa_id", cfg.General.NSAID)
	}
	if cfg.General.BaseURL == "" {
		return serrors.New("general.base_url must be set")
	}
	if cfg.NRM.Network == "" {
		return serrors.New("nrm.network must be set")
	}
	if cfg.NRM.File == "" {
		return serrors.New("nrm.file must be set")
	}
	if cfg.Timeouts.Reserve.Duration < 0 || cfg.Timeouts.Downstream.Duration < 0 {
		return serrors.New("timeouts must not be negative")
	}
	if (cfg.API.CertFile == "") != (cfg.API.KeyFile == "") {
		return serrors.New("api.cert_file and api.key_file must be set together")
	}
	if len(cfg.API.AllowedNames) > 0 && cfg.API.ClientCAFile == "" {
		return serrors.New("api.allowed_names requires api.client_ca_file")
	}
	for _, peer := range cfg.Peers {
		if peer.NSAID == "" || peer.Endpoint == "" {
			return serrors.New("peers entries need nsa_id and endpoint",
				"nsa_id", peer.NSAID, "endpoint", peer.Endpoint)
		}
		if len(peer.Networks) == 0 {
			return serrors.New("peers entries need at least one network",
				"nsa_id", peer.NSAID)
		}
	}
	return nil
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.WrapStr("reading config", err, "path", path)
	}
	var cfg Config
	decoder := toml.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, serrors.WrapStr("parsing config", err, "path", path)
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, serrors.WrapStr("validating config", err, "path", path)
	}
	return &cfg, nil
}

// Sample returns a commented sample configuration.
func Sample() string {
	return sample
}

const sample = `[general]
# URN of this NSA.
nsa_id = "urn:ogf:network:example.net:nsa"
# Human-readable name, used in the discovery document.
name = "Example NSA"
# Externally reachable base of all HTTP endpoints.
base_url = "https://example.net:9443"

[logging]
# Log level: debug, info or error.
level = "info"
# Log format: human or json.
format = "human"

[nrm]
# Id of the managed network.
network = "example.net:topology"
# Path of the NRM port map.
file = "/etc/nsad/ports.nrm"
# Swap labels on internal cross connects.
swap_labels = false
# Connection manager driver.
driver = "loopback"

[db]
# Sqlite database path.
connection = "/var/lib/nsad/nsad.sqlite"

[timeouts]
# Two-phase-commit timeout of held reservations.
reserve = "30s"
# HTTP timeout of requests to peer NSAs.
downstream = "30s"

[routing]
# Drop route vectors longer than this many hops (0 = default).
max_cost = 0
# Networks that are never routed to.
blacklist = []

[api]
# Listen address.
addr = ":9443"
# TLS server certificate and key (plain HTTP when unset).
cert_file = ""
key_file = ""
# CA bundle for client certificate verification.
client_ca_file = ""
# Certificate common names allowed on the management API (empty = all).
allowed_names = []

[[peers]]
nsa_id = "urn:ogf:network:peer.net:nsa"
endpoint = "https://peer.net:9443/NSI/services/CS2"
networks = ["peer.net:topology"]
cost = 1
`
