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
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// PortTypeEthernet is the only port type in the NRM format.
const PortTypeEthernet = "ethernet"

// ParseNRM reads a network resource map and builds the network description.
// Each non-comment line has the form
//
//	<type> <port-name> <remote-spec> <label-spec> <capacity-mbps> <interface> <authz-spec>
//
// where remote-spec is "-" or "network#port(-insuffix|-outsuffix)", label-spec
// is "-" or "vlan:1780-1789,2000" and authz-spec is "-" or comma-separated
// key=value pairs. Lines starting with "#" are comments.
func ParseNRM(r io.Reader, networkID string, swapLabels bool) (*Network, error) {
	network := NewNetwork(networkID, swapLabels)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		port, err := parseNRMLine(line)
		if err != nil {
			return nil, serrors.WrapStr("parsing port map", err, "line", lineNo)
		}
		if err := network.AddPort(port); err != nil {
			return nil, serrors.WrapStr("parsing port map", err, "line", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, serrors.WrapStr("reading port map", err)
	}
	return network, nil
}

func parseNRMLine(line string) (*BidirectionalPort, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "expected 7 fields", "got", len(fields))
	}
	portType, name, remoteSpec := fields[0], fields[1], fields[2]
	labelSpec, capacitySpec, intf, authzSpec := fields[3], fields[4], fields[5], fields[6]

	if portType != PortTypeEthernet {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "unknown port type", "type", portType)
	}

	var label *nsi.Label
	if labelSpec != "-" {
		var err error
		if label, err = nsi.ParseLabel(labelSpec); err != nil {
			return nil, serrors.Join(nsi.ErrTopology, err, "label", labelSpec)
		}
	}

	capacity, err := strconv.ParseInt(capacitySpec, 10, 64)
	if err != nil || capacity <= 0 {
		return nil, serrors.Join(nsi.ErrTopology, nil,
			"reason", "invalid capacity", "capacity", capacitySpec)
	}

	remoteNetwork, remotePort, remoteIn, remoteOut, err := parseRemoteSpec(remoteSpec)
	if err != nil {
		return nil, err
	}

	authz, err := parseAuthzSpec(authzSpec)
	if err != nil {
		return nil, err
	}

	return &BidirectionalPort{
		Name: name,
		Inbound: &Port{
			Name:          name + "-in",
			Label:         label,
			RemoteNetwork: remoteNetwork,
			RemotePort:    remoteOut,
		},
		Outbound: &Port{
			Name:          name + "-out",
			Label:         label,
			RemoteNetwork: remoteNetwork,
			RemotePort:    remoteIn,
		},
		Capacity:   capacity,
		Interface:  intf,
		Authz:      authz,
		RemotePort: remotePort,
	}, nil
}

// parseRemoteSpec parses "-" or "network#port(-insuffix|-outsuffix)". Without
// the suffix group the remote unidirectional ports default to port-in and
// port-out.
func parseRemoteSpec(spec string) (network, port, in, out string, err error) {
	if spec == "-" {
		return "", "", "", "", nil
	}
	network, portSpec, found := strings.Cut(spec, "#")
	if !found || network == "" || portSpec == "" {
		return "", "", "", "", serrors.Join(nsi.ErrTopology, nil,
			"reason", "invalid remote spec", "remote", spec)
	}
	base, group, found := strings.Cut(portSpec, "(")
	if !found {
		return network, base, base + "-in", base + "-out", nil
	}
	group, ok := strings.CutSuffix(group, ")")
	if !ok {
		return "", "", "", "", serrors.Join(nsi.ErrTopology, nil,
			"reason", "invalid remote spec", "remote", spec)
	}
	inSuffix, outSuffix, found := strings.Cut(group, "|")
	if !found || base == "" {
		return "", "", "", "", serrors.Join(nsi.ErrTopology, nil,
			"reason", "invalid remote spec", "remote", spec)
	}
	return network, base, base + inSuffix, base + outSuffix, nil
}

func parseAuthzSpec(spec string) (map[string]string, error) {
	if spec == "-" {
		return nil, nil
	}
	authz := map[string]string{}
	for _, pair := range strings.Split(spec, ",") {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" {
			return nil, serrors.Join(nsi.ErrTopology, nil,
				"reason", "invalid authz spec", "authz", spec)
		}
		authz[k] = v
	}
	return authz, nil
}
