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

package topology_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordunet/opennsa-go/nsad/topology"
	"github.com/nordunet/opennsa-go/pkg/nsi"
)

const arubaNRM = `
# aruba.net port map
ethernet ps  -                            vlan:1780-1789,2000 1000 em0 -
ethernet bon bonaire.net#aru(-in|-out)    vlan:1780-1799      1000 em1 -
ethernet sec -                            vlan:100-200        500  em2 project=deic,user=admin
`

func TestParseNRM(t *testing.T) {
	network, err := topology.ParseNRM(strings.NewReader(arubaNRM), "aruba.net", false)
	require.NoError(t, err)
	assert.Equal(t, "aruba.net", network.ID)
	assert.Len(t, network.Ports(), 3)

	ps, ok := network.Port("ps")
	require.True(t, ok)
	assert.Equal(t, "vlan:1780-1789,2000", ps.Label.String())
	assert.Equal(t, int64(1000), ps.Capacity)
	assert.Equal(t, "em0", ps.Interface)
	assert.Empty(t, ps.Authz)
	_, _, ok = network.FindDemarcationPort(ps)
	assert.False(t, ok, "edge port has no demarcation")

	bon, ok := network.Port("bon")
	require.True(t, ok)
	assert.Equal(t, "bon-in", bon.Inbound.Name)
	assert.Equal(t, "bon-out", bon.Outbound.Name)
	assert.Equal(t, "aru-out", bon.Inbound.RemotePort)
	assert.Equal(t, "aru-in", bon.Outbound.RemotePort)
	remoteNetwork, remotePort, ok := network.FindDemarcationPort(bon)
	require.True(t, ok)
	assert.Equal(t, "bonaire.net", remoteNetwork)
	assert.Equal(t, "aru", remotePort)

	sec, ok := network.Port("sec")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"project": "deic", "user": "admin"}, sec.Authz)
}

func TestParseNRMErrors(t *testing.T) {
	cases := map[string]string{
		"short line":      "ethernet ps -",
		"unknown type":    "mpls ps - vlan:1780 1000 em0 -",
		"bad label":       "ethernet ps - vlan:17x0 1000 em0 -",
		"bad capacity":    "ethernet ps - vlan:1780 lots em0 -",
		"zero capacity":   "ethernet ps - vlan:1780 0 em0 -",
		"bad remote":      "ethernet ps bonaire.net# vlan:1780 1000 em0 -",
		"unclosed remote": "ethernet ps bonaire.net#aru(-in|-out vlan:1780 1000 em0 -",
		"bad authz":       "ethernet ps - vlan:1780 1000 em0 project",
		"duplicate port":  "ethernet ps - vlan:1780 1000 em0 -\nethernet ps - vlan:1781 1000 em1 -",
		"reversed range":  "ethernet ps - vlan:1789-1780 1000 em0 -",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := topology.ParseNRM(strings.NewReader(content), "aruba.net", false)
			assert.Error(t, err)
		})
	}
}

func TestCanMatchLabel(t *testing.T) {
	network, err := topology.ParseNRM(strings.NewReader(arubaNRM), "aruba.net", false)
	require.NoError(t, err)

	vlan := func(s string) *nsi.Label {
		l, err := nsi.ParseLabel("vlan:" + s)
		require.NoError(t, err)
		return l
	}

	assert.True(t, network.CanMatchLabel("ps", vlan("1782")))
	assert.True(t, network.CanMatchLabel("ps", vlan("2000")))
	assert.True(t, network.CanMatchLabel("ps", nil))
	assert.False(t, network.CanMatchLabel("ps", vlan("1790")))
	assert.False(t, network.CanMatchLabel("ps", &nsi.Label{Type: "mpls", Values: nsi.SingleValueSet(17)}))
	assert.False(t, network.CanMatchLabel("missing", vlan("1782")))
}
