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
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordunet/opennsa-go/nsad/topology"
	"github.com/nordunet/opennsa-go/pkg/nsi"
)

// threeNetworks builds the linear topology aruba -- bonaire -- curacao with
// vlan 1780-1789 edge ports and 1780-1799 transit ports.
func threeNetworks(t *testing.T, swap bool) *topology.Topology {
	t.Helper()
	nrms := map[string]string{
		"aruba.net": `
ethernet ps  -                         vlan:1780-1795 1000 em0 -
ethernet bon bonaire.net#aru(-in|-out) vlan:1780-1799 1000 em1 -
`,
		"bonaire.net": `
ethernet aru aruba.net#bon(-in|-out)   vlan:1780-1799 1000 em0 -
ethernet cur curacao.net#bon(-in|-out) vlan:1780-1799 1000 em1 -
`,
		"curacao.net": `
ethernet bon bonaire.net#cur(-in|-out) vlan:1780-1799 1000 em0 -
ethernet ps  -                         vlan:1780-1789 1000 em1 -
`,
	}
	topo := topology.New()
	for id, nrm := range nrms {
		network, err := topology.ParseNRM(strings.NewReader(nrm), id, swap)
		require.NoError(t, err)
		topo.AddNetwork(network)
	}
	return topo
}

func stp(t *testing.T, urn string) nsi.STP {
	t.Helper()
	s, err := nsi.ParseSTP(urn)
	require.NoError(t, err)
	return s
}

func TestFindPathsDirect(t *testing.T) {
	topo := threeNetworks(t, false)

	paths, err := topo.FindPaths(
		stp(t, "urn:ogf:network:aruba.net:ps?vlan=1780-1789"),
		stp(t, "urn:ogf:network:aruba.net:bon?vlan=1782"),
		500)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Len(t, paths[0], 1)

	link := paths[0][0]
	assert.Equal(t, "aruba.net", link.Network)
	assert.Equal(t, "ps", link.SrcPort)
	assert.Equal(t, "bon", link.DstPort)
	// no swap: both ends narrowed to the common value
	assert.Equal(t, "vlan:1782", link.SrcLabel.String())
	assert.Equal(t, "vlan:1782", link.DstLabel.String())
}

func TestFindPathsDirectSwap(t *testing.T) {
	topo := threeNetworks(t, true)

	paths, err := topo.FindPaths(
		stp(t, "urn:ogf:network:aruba.net:ps?vlan=1780"),
		stp(t, "urn:ogf:network:aruba.net:bon?vlan=1790"),
		500)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	link := paths[0][0]
	assert.Equal(t, "vlan:1780", link.SrcLabel.String())
	assert.Equal(t, "vlan:1790", link.DstLabel.String())
}

func TestFindPathsTwoHops(t *testing.T) {
	topo := threeNetworks(t, false)

	paths, err := topo.FindPaths(
		stp(t, "urn:ogf:network:aruba.net:ps?vlan=1782"),
		stp(t, "urn:ogf:network:curacao.net:ps?vlan=1782"),
		500)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Len(t, paths[0], 3)

	assert.Equal(t, "aruba.net", paths[0][0].Network)
	assert.Equal(t, "bonaire.net", paths[0][1].Network)
	assert.Equal(t, "curacao.net", paths[0][2].Network)

	// no swap anywhere: the label is pinned end to end
	for _, link := range paths[0] {
		assert.Equal(t, "vlan:1782", link.SrcLabel.String())
		assert.Equal(t, "vlan:1782", link.DstLabel.String())
	}
}

func TestFindPathsLabelNarrowing(t *testing.T) {
	src := "urn:ogf:network:aruba.net:ps?vlan=1790"
	dst := "urn:ogf:network:curacao.net:ps?vlan=1782"

	// Without swapping the hop label 1790 is pinned end to end and cannot
	// reach a destination that asks for 1782.
	topo := threeNetworks(t, false)
	_, err := topo.FindPaths(stp(t, src), stp(t, dst), 500)
	assert.True(t, errors.Is(err, nsi.ErrTopology))

	// Swapping networks decouple the hop label from the destination label.
	topo = threeNetworks(t, true)
	paths, err := topo.FindPaths(stp(t, src), stp(t, dst), 500)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	last := paths[0][len(paths[0])-1]
	assert.Equal(t, "vlan:1782", last.DstLabel.String())
}

func TestFindPathsCapacity(t *testing.T) {
	topo := threeNetworks(t, false)

	_, err := topo.FindPaths(
		stp(t, "urn:ogf:network:aruba.net:ps?vlan=1782"),
		stp(t, "urn:ogf:network:curacao.net:ps?vlan=1782"),
		2000)
	assert.True(t, errors.Is(err, nsi.ErrTopology))
}

func TestFindPathsUnknown(t *testing.T) {
	topo := threeNetworks(t, false)

	_, err := topo.FindPaths(
		stp(t, "urn:ogf:network:sint-maarten.net:ps?vlan=1782"),
		stp(t, "urn:ogf:network:curacao.net:ps?vlan=1782"),
		500)
	assert.True(t, errors.Is(err, nsi.ErrTopology))

	_, err = topo.FindPaths(
		stp(t, "urn:ogf:network:aruba.net:missing?vlan=1782"),
		stp(t, "urn:ogf:network:curacao.net:ps?vlan=1782"),
		500)
	assert.True(t, errors.Is(err, nsi.ErrTopology))
}

func TestFindPathsLabelTypeMismatch(t *testing.T) {
	topo := threeNetworks(t, false)

	src := stp(t, "urn:ogf:network:aruba.net:ps?vlan=1782")
	dst := stp(t, "urn:ogf:network:curacao.net:ps?vlan=1782")
	dst.Label.Type = "mpls"

	_, err := topo.FindPaths(src, dst, 500)
	assert.True(t, errors.Is(err, nsi.ErrTopology))
}
