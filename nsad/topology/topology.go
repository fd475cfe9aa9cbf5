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

// Package topology implements the NML view of the networks this NSA knows
// about: bidirectional ports pairing an inbound and an outbound unidirectional
// port, label availability per port, and demarcation links to neighboring
// networks. The aggregator uses it to validate requested STPs and to find
// candidate paths across networks.
package topology

import (
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// Port is one unidirectional half of a bidirectional port.
type Port struct {
	Name  string
	Label *nsi.Label
	// RemoteNetwork and RemotePort identify the unidirectional peer port in
	// the adjacent network, empty for edge ports.
	RemoteNetwork string
	RemotePort    string
}

// BidirectionalPort pairs one inbound and one outbound port. Its label is the
// intersection of the two halves.
type BidirectionalPort struct {
	Name     string
	Inbound  *Port
	Outbound *Port
	Label    *nsi.Label
	// Capacity in Mbps.
	Capacity int64
	// Interface is the device interface the port maps to.
	Interface string
	// Authz holds the attributes a requester must present to use the port.
	// An empty map means unrestricted.
	Authz map[string]string
	// RemotePort is the bidirectional peer port in the adjacent network,
	// empty for edge ports.
	RemotePort string
}

// Network is the immutable description of one network.
type Network struct {
	ID string
	// SwapLabels reports whether the network can cross-connect two different
	// label values, decoupling ingress and egress labels.
	SwapLabels bool

	ports map[string]*BidirectionalPort
}

// NewNetwork creates an empty network description.
func NewNetwork(id string, swapLabels bool) *Network {
	return &Network{
		ID:         id,
		SwapLabels: swapLabels,
		ports:      map[string]*BidirectionalPort{},
	}
}

// AddPort registers a bidirectional port. The port label is computed as the
// intersection of the two halves; halves without labels yield an unlabeled
// port.
func (n *Network) AddPort(p *BidirectionalPort) error {
	if _, ok := n.ports[p.Name]; ok {
		return serrors.Join(nsi.ErrTopology, nil,
			"reason", "duplicate port", "network", n.ID, "port", p.Name)
	}
	switch {
	case p.Inbound.Label == nil && p.Outbound.Label == nil:
		p.Label = nil
	case p.Inbound.Label == nil || p.Outbound.Label == nil:
		return serrors.Join(nsi.ErrTopology, nil,
			"reason", "one unlabeled half", "network", n.ID, "port", p.Name)
	default:
		label, err := p.Inbound.Label.Intersect(p.Outbound.Label)
		if err != nil {
			return serrors.Join(nsi.ErrTopology, err, "network", n.ID, "port", p.Name)
		}
		p.Label = label
	}
	n.ports[p.Name] = p
	return nil
}

// Port returns the named bidirectional port.
func (n *Network) Port(name string) (*BidirectionalPort, bool) {
	p, ok := n.ports[name]
	return p, ok
}

// Ports returns all bidirectional ports of the network.
func (n *Network) Ports() []*BidirectionalPort {
	out := make([]*BidirectionalPort, 0, len(n.ports))
	for _, p := range n.ports {
		out = append(out, p)
	}
	return out
}

// CanMatchLabel reports whether the port's label set has a non-empty
// intersection with the requested label. A nil request matches any port; a
// labeled request never matches an unlabeled port.
func (n *Network) CanMatchLabel(portName string, label *nsi.Label) bool {
	p, ok := n.ports[portName]
	if !ok {
		return false
	}
	if label == nil {
		return true
	}
	if p.Label == nil {
		return false
	}
	_, err := p.Label.Intersect(label)
	return err == nil
}

// FindDemarcationPort follows the remote pointers of the port's halves and
// returns the adjacent (network, port) pair. Both halves must agree on the
// remote network.
func (n *Network) FindDemarcationPort(p *BidirectionalPort) (string, string, bool) {
	in, out := p.Inbound, p.Outbound
	if in.RemoteNetwork == "" || out.RemoteNetwork == "" {
		return "", "", false
	}
	if in.RemoteNetwork != out.RemoteNetwork {
		return "", "", false
	}
	return in.RemoteNetwork, p.RemotePort, true
}

// Topology holds the networks known to this NSA.
type Topology struct {
	networks map[string]*Network
}

// New creates an empty topology.
func New() *Topology {
	return &Topology{networks: map[string]*Network{}}
}

// AddNetwork registers a network description.
func (t *Topology) AddNetwork(n *Network) {
	t.networks[n.ID] = n
}

// Network returns the network with the given id.
func (t *Topology) Network(id string) (*Network, bool) {
	n, ok := t.networks[id]
	return n, ok
}

// Networks returns the ids of all known networks.
func (t *Topology) Networks() []string {
	out := make([]string, 0, len(t.networks))
	for id := range t.networks {
		out = append(out, id)
	}
	return out
}
