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

package registry_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordunet/opennsa-go/nsad/registry"
	"github.com/nordunet/opennsa-go/pkg/nsi"
)

const (
	localNSA  = "urn:ogf:network:aruba.net:2024:nsa"
	remoteNSA = "urn:ogf:network:bonaire.net:2024:nsa"

	netAruba   = "urn:ogf:network:aruba.net:2024:topology"
	netBonaire = "urn:ogf:network:bonaire.net:2024:topology"
	netCuracao = "urn:ogf:network:curacao.net:2024:topology"
)

type stubProvider struct {
	nsi.Provider
	nsa      string
	endpoint string
}

func TestRegisterProvider(t *testing.T) {
	r := registry.New()
	local := &stubProvider{nsa: localNSA}
	r.RegisterProvider(localNSA, local, []string{netAruba})

	p, err := r.Provider(localNSA)
	require.NoError(t, err)
	assert.Same(t, local, p)

	urn, p, err := r.ProviderFor(netAruba)
	require.NoError(t, err)
	assert.Equal(t, localNSA, urn)
	assert.Same(t, local, p)
}

func TestLazyPeerProvider(t *testing.T) {
	r := registry.New()
	var created int
	r.RegisterFactory(registry.ServiceTypeCS2, func(nsa, endpoint string) (nsi.Provider, error) {
		created++
		return &stubProvider{nsa: nsa, endpoint: endpoint}, nil
	})
	r.UpdatePeer(remoteNSA, registry.ServiceTypeCS2,
		"https://bonaire.net/nsi/cs2", []string{netBonaire})

	assert.Equal(t, 0, created, "provider must not be created before first use")

	p, err := r.Provider(remoteNSA)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, "https://bonaire.net/nsi/cs2", p.(*stubProvider).endpoint)

	// cached on subsequent lookups
	_, err = r.Provider(remoteNSA)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestUpdatePeerReplacesNetworks(t *testing.T) {
	r := registry.New()
	r.RegisterFactory(registry.ServiceTypeCS2, func(nsa, endpoint string) (nsi.Provider, error) {
		return &stubProvider{nsa: nsa, endpoint: endpoint}, nil
	})
	r.UpdatePeer(remoteNSA, registry.ServiceTypeCS2,
		"https://bonaire.net/nsi/cs2", []string{netBonaire, netCuracao})

	_, ok := r.NSAFor(netCuracao)
	assert.True(t, ok)

	r.UpdatePeer(remoteNSA, registry.ServiceTypeCS2,
		"https://bonaire.net/nsi/cs2", []string{netBonaire})

	_, ok = r.NSAFor(netCuracao)
	assert.False(t, ok, "network map is fully replaced on update")
	urn, ok := r.NSAFor(netBonaire)
	require.True(t, ok)
	assert.Equal(t, remoteNSA, urn)
}

func TestUpdatePeerEndpointChangeDropsCache(t *testing.T) {
	r := registry.New()
	var created int
	r.RegisterFactory(registry.ServiceTypeCS2, func(nsa, endpoint string) (nsi.Provider, error) {
		created++
		return &stubProvider{nsa: nsa, endpoint: endpoint}, nil
	})
	r.UpdatePeer(remoteNSA, registry.ServiceTypeCS2,
		"https://old.bonaire.net/nsi/cs2", []string{netBonaire})
	_, err := r.Provider(remoteNSA)
	require.NoError(t, err)

	r.UpdatePeer(remoteNSA, registry.ServiceTypeCS2,
		"https://new.bonaire.net/nsi/cs2", []string{netBonaire})
	p, err := r.Provider(remoteNSA)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, "https://new.bonaire.net/nsi/cs2", p.(*stubProvider).endpoint)
}

func TestUnknownLookups(t *testing.T) {
	r := registry.New()

	_, err := r.Provider(remoteNSA)
	assert.True(t, errors.Is(err, nsi.ErrDownstreamNSA))

	_, _, err = r.ProviderFor(netBonaire)
	assert.True(t, errors.Is(err, nsi.ErrTopology))

	// peer known but no factory for its service type
	r.UpdatePeer(remoteNSA, "application/vnd.example.unknown",
		"https://bonaire.net/nsi", []string{netBonaire})
	_, err = r.Provider(remoteNSA)
	assert.True(t, errors.Is(err, nsi.ErrDownstreamNSA))
}
