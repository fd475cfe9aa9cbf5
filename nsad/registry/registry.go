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

// Package registry resolves NSA URNs to providers. Local providers are
// registered directly; providers for remote NSAs are created lazily on first
// reference using a factory keyed by the peer's service type. The registry
// also maps network ids to the NSA that manages them, which is how the
// aggregator turns a route-vector next hop into a provider.
package registry

import (
	"sync"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// ServiceTypeCS2 identifies peers speaking the SOAP NSI-CS v2 provider
// protocol.
const ServiceTypeCS2 = "application/vnd.ogf.nsi.cs.v2.provider+soap"

// Factory creates a provider client for a remote NSA from its endpoint URL.
type Factory func(nsaURN, endpoint string) (nsi.Provider, error)

type peerEntry struct {
	serviceType string
	endpoint    string
}

// Registry is the NSA directory. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	providers map[string]nsi.Provider
	peers     map[string]peerEntry
	networks  map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		providers: map[string]nsi.Provider{},
		peers:     map[string]peerEntry{},
		networks:  map[string]string{},
	}
}

// RegisterFactory installs the provider factory for a service type.
func (r *Registry) RegisterFactory(serviceType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[serviceType] = f
}

// RegisterProvider installs an already constructed provider, typically the
// local backend or aggregator, and claims its networks.
func (r *Registry) RegisterProvider(nsaURN string, p nsi.Provider, networks []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[nsaURN] = p
	r.replaceNetworks(nsaURN, networks)
}

// UpdatePeer records or updates a remote NSA. The provider itself is created
// lazily on first reference; the NSA's network claims are fully replaced, and
// a changed endpoint drops any cached provider.
func (r *Registry) UpdatePeer(nsaURN, serviceType, endpoint string, networks []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.peers[nsaURN]; ok && prior != (peerEntry{serviceType, endpoint}) {
		delete(r.providers, nsaURN)
	}
	r.peers[nsaURN] = peerEntry{serviceType: serviceType, endpoint: endpoint}
	r.replaceNetworks(nsaURN, networks)
}

func (r *Registry) replaceNetworks(nsaURN string, networks []string) {
	for network, urn := range r.networks {
		if urn == nsaURN {
			delete(r.networks, network)
		}
	}
	for _, network := range networks {
		r.networks[network] = nsaURN
	}
}

// Provider returns the provider for the NSA, creating it on first reference
// for known peers.
func (r *Registry) Provider(nsaURN string) (nsi.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[nsaURN]; ok {
		return p, nil
	}
	entry, ok := r.peers[nsaURN]
	if !ok {
		return nil, serrors.Join(nsi.ErrDownstreamNSA, nil,
			"reason", "unknown NSA", "nsa", nsaURN)
	}
	factory, ok := r.factories[entry.serviceType]
	if !ok {
		return nil, serrors.Join(nsi.ErrDownstreamNSA, nil,
			"reason", "no factory for service type",
			"nsa", nsaURN, "service_type", entry.serviceType)
	}
	p, err := factory(nsaURN, entry.endpoint)
	if err != nil {
		return nil, serrors.WrapStr("creating provider", err, "nsa", nsaURN)
	}
	r.providers[nsaURN] = p
	return p, nil
}

// NSAFor returns the URN of the NSA managing the network.
func (r *Registry) NSAFor(network string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	urn, ok := r.networks[network]
	return urn, ok
}

// ProviderFor resolves the network to its managing NSA and that NSA's
// provider.
func (r *Registry) ProviderFor(network string) (string, nsi.Provider, error) {
	r.mu.Lock()
	urn, ok := r.networks[network]
	r.mu.Unlock()
	if !ok {
		return "", nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "no NSA for network", "network", network)
	}
	p, err := r.Provider(urn)
	if err != nil {
		return "", nil, err
	}
	return urn, p, nil
}
