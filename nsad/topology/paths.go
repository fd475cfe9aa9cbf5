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

package topology

import (
	"sort"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// Link is one intra-network segment of a path, with the label candidates
// remaining at each end after narrowing.
type Link struct {
	Network  string
	SrcPort  string
	DstPort  string
	SrcLabel *nsi.Label
	DstLabel *nsi.Label
}

// Path is a sequence of links, one per traversed network.
type Path []Link

// FindPaths returns candidate paths from src to dst with at least the given
// capacity in Mbps, sorted shortest-first. Labels are narrowed hop by hop: in
// networks that cannot swap labels the label chosen for a hop constrains the
// next hop.
func (t *Topology) FindPaths(src, dst nsi.STP, capacity int64) ([]Path, error) {
	for _, stp := range []nsi.STP{src, dst} {
		network, ok := t.networks[stp.Network]
		if !ok {
			return nil, serrors.Join(nsi.ErrTopology, nil,
				"reason", "unknown network", "network", stp.Network)
		}
		if _, ok := network.Port(stp.Port); !ok {
			return nil, serrors.Join(nsi.ErrTopology, nil,
				"reason", "unknown port", "network", stp.Network, "port", stp.Port)
		}
	}
	if src.Label != nil && dst.Label != nil && src.Label.Type != dst.Label.Type {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "label type mismatch", "src", src.Label.Type, "dst", dst.Label.Type)
	}
	visited := map[string]bool{}
	paths := t.findPaths(src, dst, capacity, visited)
	if len(paths) == 0 {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "no path", "src", src.URN(), "dst", dst.URN())
	}
	sort.SliceStable(paths, func(i, j int) bool { return len(paths[i]) < len(paths[j]) })
	return paths, nil
}

func (t *Topology) findPaths(src, dst nsi.STP, capacity int64, visited map[string]bool) []Path {
	network, ok := t.networks[src.Network]
	if !ok || visited[src.Network] {
		return nil
	}
	srcPort, ok := network.Port(src.Port)
	if !ok || srcPort.Capacity < capacity {
		return nil
	}
	srcLabel, err := narrowLabel(src.Label, srcPort.Label)
	if err != nil {
		return nil
	}

	if src.Network == dst.Network {
		dstPort, ok := network.Port(dst.Port)
		if !ok || dstPort.Capacity < capacity {
			return nil
		}
		dstLabel, err := narrowLabel(dst.Label, dstPort.Label)
		if err != nil {
			return nil
		}
		if !network.SwapLabels {
			common, err := intersectLabels(srcLabel, dstLabel)
			if err != nil {
				return nil
			}
			srcLabel, dstLabel = common, common
		}
		return []Path{{{
			Network:  network.ID,
			SrcPort:  srcPort.Name,
			DstPort:  dstPort.Name,
			SrcLabel: srcLabel,
			DstLabel: dstLabel,
		}}}
	}

	visited[src.Network] = true
	defer delete(visited, src.Network)

	var paths []Path
	for _, hop := range network.Ports() {
		if hop.Name == srcPort.Name || hop.Capacity < capacity {
			continue
		}
		remoteNetwork, remotePort, ok := network.FindDemarcationPort(hop)
		if !ok || visited[remoteNetwork] {
			continue
		}
		hopLabel := hop.Label
		if !network.SwapLabels {
			if hopLabel, err = intersectLabels(srcLabel, hop.Label); err != nil {
				continue
			}
		}
		tails := t.findPaths(
			nsi.STP{Network: remoteNetwork, Port: remotePort, Label: hopLabel},
			dst, capacity, visited)
		for _, tail := range tails {
			path := make(Path, 0, len(tail)+1)
			path = append(path, Link{
				Network:  network.ID,
				SrcPort:  srcPort.Name,
				DstPort:  hop.Name,
				SrcLabel: srcLabel,
				DstLabel: hopLabel,
			})
			paths = append(paths, append(path, tail...))
		}
	}
	return paths
}

// narrowLabel intersects a requested label with a port label. A nil request
// takes the port label as is; a labeled request against an unlabeled port is
// a mismatch.
func narrowLabel(requested, port *nsi.Label) (*nsi.Label, error) {
	if requested == nil {
		return port, nil
	}
	if port == nil {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "label requested on unlabeled port")
	}
	return requested.Intersect(port)
}

func intersectLabels(a, b *nsi.Label) (*nsi.Label, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	return a.Intersect(b)
}
