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

// Package nsi holds the domain types of the NSI connection service: service
// termination points, labels, schedules, connection state machines, the NSI
// header and the provider/requester contracts.
package nsi

import (
	"strconv"
	"strings"

	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// URNPrefix is the prefix of all network object URNs.
const URNPrefix = "urn:ogf:network:"

// STP is a service termination point, one end of a requested circuit.
type STP struct {
	Network string
	Port    string
	Label   *Label
}

// ParseSTP parses the URN form
// "urn:ogf:network:<network>:<port>?<type>=<values>". The label part is
// optional.
func ParseSTP(urn string) (STP, error) {
	s := strings.TrimPrefix(urn, URNPrefix)
	var label *Label
	if base, query, found := strings.Cut(s, "?"); found {
		typ, vals, ok := strings.Cut(query, "=")
		if !ok {
			return STP{}, serrors.Join(ErrPayload, nil, "reason", "invalid STP label", "stp", urn)
		}
		set, err := ParseLabelSet(vals)
		if err != nil {
			return STP{}, serrors.Join(ErrPayload, err, "stp", urn)
		}
		label = &Label{Type: typ, Values: set}
		s = base
	}
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return STP{}, serrors.Join(ErrPayload, nil, "reason", "invalid STP urn", "stp", urn)
	}
	return STP{Network: s[:idx], Port: s[idx+1:], Label: label}, nil
}

// URN renders the STP in URN form.
func (s STP) URN() string {
	urn := URNPrefix + s.Network + ":" + s.Port
	if s.Label != nil {
		urn += "?" + s.Label.Type + "=" + s.Label.Values.String()
	}
	return urn
}

func (s STP) String() string {
	return s.URN()
}

// WithLabelValue returns a copy of the STP with its label pinned to a single
// value.
func (s STP) WithLabelValue(v int) STP {
	cp := s
	cp.Label = &Label{Type: s.Label.Type, Values: SingleValueSet(v)}
	return cp
}

// ValidateSingleLabel checks the single-label constraint: an STP must carry
// exactly one label.
func (s STP) ValidateSingleLabel() error {
	if s.Label == nil {
		return serrors.Join(ErrPayload, nil, "reason", "STP without label", "stp", s.URN())
	}
	if len(s.Label.Values) == 0 {
		return serrors.Join(ErrPayload, nil, "reason", "STP with empty label", "stp", s.URN())
	}
	return nil
}

// ResourceKey is the reservation calendar key for a port pinned to a label
// value: "port:value".
func ResourceKey(port string, labelValue int) string {
	return port + ":" + strconv.Itoa(labelValue)
}
