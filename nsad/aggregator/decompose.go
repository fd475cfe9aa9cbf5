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

package aggregator

import (
	"sort"

	"github.com/nordunet/opennsa-go/nsad/topology"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// segment is one child reservation of the decomposition, in path order.
type segment struct {
	providerNSA string
	provider    nsi.Provider
	local       bool
	src, dst    nsi.STP
}

// decompose splits a source/destination pair into child segments. Both
// endpoints local yields a single local child; one local endpoint yields a
// local segment plus a remote segment at the demarcation; two remote
// endpoints yield a transit split with the local network in the middle.
func (a *Aggregator) decompose(src, dst nsi.STP) ([]segment, error) {
	localNet := a.network.ID
	switch {
	case src.Network == localNet && dst.Network == localNet:
		return []segment{
			{providerNSA: a.nsaID, provider: a.local, local: true, src: src, dst: dst},
		}, nil

	case src.Network == localNet:
		exit, remoteNet, remotePort, err := a.exitToward(dst.Network)
		if err != nil {
			return nil, err
		}
		label, err := a.demarcationLabel(src.Label, exit)
		if err != nil {
			return nil, err
		}
		providerNSA, provider, err := a.providerToward(dst.Network)
		if err != nil {
			return nil, err
		}
		return []segment{
			{
				providerNSA: a.nsaID, provider: a.local, local: true,
				src: src,
				dst: nsi.STP{Network: localNet, Port: exit.Name, Label: label},
			},
			{
				providerNSA: providerNSA, provider: provider,
				src: nsi.STP{Network: remoteNet, Port: remotePort, Label: label},
				dst: dst,
			},
		}, nil

	case dst.Network == localNet:
		exit, remoteNet, remotePort, err := a.exitToward(src.Network)
		if err != nil {
			return nil, err
		}
		label, err := a.demarcationLabel(dst.Label, exit)
		if err != nil {
			return nil, err
		}
		providerNSA, provider, err := a.providerToward(src.Network)
		if err != nil {
			return nil, err
		}
		return []segment{
			{
				providerNSA: providerNSA, provider: provider,
				src: src,
				dst: nsi.STP{Network: remoteNet, Port: remotePort, Label: label},
			},
			{
				providerNSA: a.nsaID, provider: a.local, local: true,
				src: nsi.STP{Network: localNet, Port: exit.Name, Label: label},
				dst: dst,
			},
		}, nil

	default:
		// Transit: the circuit enters and leaves the local network through
		// two different demarcation ports.
		ingress, inNet, inPort, err := a.exitToward(src.Network)
		if err != nil {
			return nil, err
		}
		egress, outNet, outPort, err := a.exitToward(dst.Network)
		if err != nil {
			return nil, err
		}
		if ingress.Name == egress.Name {
			return nil, serrors.Join(nsi.ErrTopology, nil,
				"reason", "transit enters and leaves through the same demarcation",
				"port", ingress.Name, "src", src.URN(), "dst", dst.URN())
		}
		inLabel, err := a.demarcationLabel(src.Label, ingress)
		if err != nil {
			return nil, err
		}
		outLabel, err := a.demarcationLabel(dst.Label, egress)
		if err != nil {
			return nil, err
		}
		srcNSA, srcProvider, err := a.providerToward(src.Network)
		if err != nil {
			return nil, err
		}
		dstNSA, dstProvider, err := a.providerToward(dst.Network)
		if err != nil {
			return nil, err
		}
		return []segment{
			{
				providerNSA: srcNSA, provider: srcProvider,
				src: src,
				dst: nsi.STP{Network: inNet, Port: inPort, Label: inLabel},
			},
			{
				providerNSA: a.nsaID, provider: a.local, local: true,
				src: nsi.STP{Network: localNet, Port: ingress.Name, Label: inLabel},
				dst: nsi.STP{Network: localNet, Port: egress.Name, Label: outLabel},
			},
			{
				providerNSA: dstNSA, provider: dstProvider,
				src: nsi.STP{Network: outNet, Port: outPort, Label: outLabel},
				dst: dst,
			},
		}, nil
	}
}

// exitToward finds the local demarcation port leading toward the given
// network: either the port's neighbor is that network, or the neighbor is
// served by the same NSA the route vectors name for it. Ports are scanned in
// name order for determinism.
func (a *Aggregator) exitToward(network string) (
	*topology.BidirectionalPort, string, string, error) {

	ports := a.network.Ports()
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })

	targetNSA, haveRoute := a.routes.Vector(network)
	for _, p := range ports {
		remoteNet, remotePort, ok := a.network.FindDemarcationPort(p)
		if !ok {
			continue
		}
		if remoteNet == network {
			return p, remoteNet, remotePort, nil
		}
		if !haveRoute {
			continue
		}
		if nsa, ok := a.registry.NSAFor(remoteNet); ok && nsa == targetNSA {
			return p, remoteNet, remotePort, nil
		}
	}
	return nil, "", "", serrors.Join(nsi.ErrTopology, nil,
		"reason", "no demarcation toward network", "network", network)
}

// demarcationLabel picks the label set carried across a demarcation. A
// label-swapping network decouples the hop from the requested label;
// otherwise the request narrows the port.
func (a *Aggregator) demarcationLabel(
	requested *nsi.Label,
	port *topology.BidirectionalPort,
) (*nsi.Label, error) {
	if port.Label == nil {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "demarcation port without label", "port", port.Name)
	}
	if a.network.SwapLabels {
		return port.Label, nil
	}
	label, err := requested.Intersect(port.Label)
	if err != nil {
		return nil, serrors.Join(nsi.ErrSTPUnavailable, err, "port", port.Name)
	}
	return label, nil
}

// providerToward resolves the NSA and provider responsible for a network:
// directly from the registry's network map when the network is a known peer,
// otherwise through the route vectors.
func (a *Aggregator) providerToward(network string) (string, nsi.Provider, error) {
	nsa, ok := a.registry.NSAFor(network)
	if !ok {
		nsa, ok = a.routes.Vector(network)
	}
	if !ok {
		return "", nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "no route to network", "network", network)
	}
	provider, err := a.registry.Provider(nsa)
	if err != nil {
		return "", nil, err
	}
	return nsa, provider, nil
}
