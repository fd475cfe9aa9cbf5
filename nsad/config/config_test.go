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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordunet/opennsa-go/nsad/config"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nsad.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimal = `
[general]
nsa_id = "urn:ogf:network:aruba.net:nsa"
base_url = "https://aruba.net:9443"

[nrm]
network = "aruba.net:topology"
file = "/etc/nsad/ports.nrm"
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load(write(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "urn:ogf:network:aruba.net:nsa", cfg.General.NSAID)
	assert.Equal(t, "loopback", cfg.NRM.Driver)
	assert.Equal(t, "nsad.sqlite", cfg.DB.Connection)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Reserve.Duration)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Downstream.Duration)
	assert.Equal(t, ":9443", cfg.API.Addr)
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load(write(t, `
[general]
nsa_id = "urn:ogf:network:aruba.net:nsa"
name = "Aruba NSA"
base_url = "https://aruba.net:9443"

[nrm]
network = "aruba.net:topology"
file = "/etc/nsad/ports.nrm"
swap_labels = true

[db]
connection = "/var/lib/nsad/nsad.sqlite"
max_open_conns = 4

[timeouts]
reserve = "45s"
downstream = "10s"

[routing]
max_cost = 3
blacklist = ["curacao.net:topology"]

[api]
addr = ":8443"
cert_file = "/etc/nsad/tls.crt"
key_file = "/etc/nsad/tls.key"
client_ca_file = "/etc/nsad/clients.pem"
allowed_names = ["noc.aruba.net"]

[[peers]]
nsa_id = "urn:ogf:network:bonaire.net:nsa"
endpoint = "https://bonaire.net:9443/NSI/services/CS2"
networks = ["bonaire.net:topology"]
cost = 2
`))
	require.NoError(t, err)

	assert.True(t, cfg.NRM.SwapLabels)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Reserve.Duration)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Downstream.Duration)
	assert.Equal(t, []string{"curacao.net:topology"}, cfg.Routing.Blacklist)
	assert.Equal(t, []string{"noc.aruba.net"}, cfg.API.AllowedNames)
	expected := []config.Peer{{
		NSAID:    "urn:ogf:network:bonaire.net:nsa",
		Endpoint: "https://bonaire.net:9443/NSI/services/CS2",
		Networks: []string{"bonaire.net:topology"},
		Cost:     2,
	}}
	assert.Empty(t, cmp.Diff(expected, cfg.Peers))
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"missing nsa_id": `
[general]
base_url = "https://aruba.net:9443"
[nrm]
network = "aruba.net:topology"
file = "/etc/nsad/ports.nrm"
`,
		"non-urn nsa_id": `
[general]
nsa_id = "aruba"
base_url = "https://aruba.net:9443"
[nrm]
network = "aruba.net:topology"
file = "/etc/nsad/ports.nrm"
`,
		"missing nrm file": `
[general]
nsa_id = "urn:ogf:network:aruba.net:nsa"
base_url = "https://aruba.net:9443"
[nrm]
network = "aruba.net:topology"
`,
		"cert without key": `
[general]
nsa_id = "urn:ogf:network:aruba.net:nsa"
base_url = "https://aruba.net:9443"
[nrm]
network = "aruba.net:topology"
file = "/etc/nsad/ports.nrm"
[api]
cert_file = "/etc/nsad/tls.crt"
`,
		"allow-list without client CA": `
[general]
nsa_id = "urn:ogf:network:aruba.net:nsa"
base_url = "https://aruba.net:9443"
[nrm]
network = "aruba.net:topology"
file = "/etc/nsad/ports.nrm"
[api]
allowed_names = ["noc.aruba.net"]
`,
		"peer without networks": `
[general]
nsa_id = "urn:ogf:network:aruba.net:nsa"
base_url = "https://aruba.net:9443"
[nrm]
network = "aruba.net:topology"
file = "/etc/nsad/ports.nrm"
[[peers]]
nsa_id = "urn:ogf:network:bonaire.net:nsa"
endpoint = "https://bonaire.net:9443/NSI/services/CS2"
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(write(t, content))
			assert.Error(t, err)
		})
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := config.Load(write(t, minimal+"\n[general2]\nfoo = 1\n"))
	assert.Error(t, err)
}

func TestSampleLoads(t *testing.T) {
	cfg, err := config.Load(write(t, config.Sample()))
	require.NoError(t, err)
	assert.Equal(t, "urn:ogf:network:example.net:nsa", cfg.General.NSAID)
	require.Len(t, cfg.Peers, 1)
}
