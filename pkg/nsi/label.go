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

package nsi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// LabelTypeVLAN is the label type for Ethernet VLAN circuits, the only label
// type in production use.
const LabelTypeVLAN = "vlan"

// ErrEmptyLabelSet is returned when a label intersection yields no values.
var ErrEmptyLabelSet = serrors.New("empty label set")

// LabelRange is an inclusive range of label values.
type LabelRange struct {
	Low  int
	High int
}

// LabelSet is a set of label values represented as sorted, non-adjacent,
// non-overlapping inclusive ranges. The zero value is the empty set.
type LabelSet []LabelRange

// ParseLabelSet parses a range list of the form "1780-1789,2000".
func ParseLabelSet(s string) (LabelSet, error) {
	if s == "" {
		return nil, serrors.New("empty label value")
	}
	var set LabelSet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		low, high, found := strings.Cut(part, "-")
		l, err := strconv.Atoi(low)
		if err != nil {
			return nil, serrors.New("invalid label value", "value", part)
		}
		h := l
		if found {
			if h, err = strconv.Atoi(high); err != nil {
				return nil, serrors.New("invalid label range", "value", part)
			}
		}
		if h < l {
			return nil, serrors.New("reversed label range", "value", part)
		}
		set = append(set, LabelRange{Low: l, High: h})
	}
	return set.normalize(), nil
}

// normalize sorts the ranges and merges overlapping and adjacent ones,
// producing the canonical form used for equality.
func (s LabelSet) normalize() LabelSet {
	if len(s) == 0 {
		return nil
	}
	rs := make(LabelSet, len(s))
	copy(rs, s)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Low < rs[j].Low })
	out := LabelSet{rs[0]}
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Low <= last.High+1 {
			if r.High > last.High {
				last.High = r.High
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Intersect returns the set-theoretic intersection of the two sets. If the
// intersection is empty an error wrapping ErrEmptyLabelSet is returned.
func (s LabelSet) Intersect(o LabelSet) (LabelSet, error) {
	var out LabelSet
	i, j := 0, 0
	for i < len(s) && j < len(o) {
		low := max(s[i].Low, o[j].Low)
		high := min(s[i].High, o[j].High)
		if low <= high {
			out = append(out, LabelRange{Low: low, High: high})
		}
		if s[i].High < o[j].High {
			i++
		} else {
			j++
		}
	}
	if len(out) == 0 {
		return nil, serrors.Join(ErrEmptyLabelSet, nil, "a", s.String(), "b", o.String())
	}
	return out.normalize(), nil
}

// Enumerate returns all values of the set in ascending order.
func (s LabelSet) Enumerate() []int {
	var vals []int
	for _, r := range s {
		for v := r.Low; v <= r.High; v++ {
			vals = append(vals, v)
		}
	}
	return vals
}

// Contains reports whether the value is a member of the set.
func (s LabelSet) Contains(v int) bool {
	for _, r := range s {
		if v >= r.Low && v <= r.High {
			return true
		}
	}
	return false
}

// Single returns the single value of the set. It is an error if the set holds
// more than one value.
func (s LabelSet) Single() (int, error) {
	if len(s) != 1 || s[0].Low != s[0].High {
		return 0, serrors.New("label set is not a single value", "set", s.String())
	}
	return s[0].Low, nil
}

// Equal reports whether the two sets contain the same values. Both sides are
// compared in canonical form.
func (s LabelSet) Equal(o LabelSet) bool {
	a, b := s.normalize(), o.normalize()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders the canonical range-list form, e.g. "1780-1789,2000".
func (s LabelSet) String() string {
	parts := make([]string, 0, len(s))
	for _, r := range s {
		if r.Low == r.High {
			parts = append(parts, strconv.Itoa(r.Low))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Low, r.High))
		}
	}
	return strings.Join(parts, ",")
}

// SingleValueSet returns a set holding exactly the given value.
func SingleValueSet(v int) LabelSet {
	return LabelSet{{Low: v, High: v}}
}

// Label narrows a port to a traffic identifier, in practice a VLAN id or a
// set of candidate VLAN ids.
type Label struct {
	Type   string
	Values LabelSet
}

// ParseLabel parses the "type:values" form used in port maps and URNs, e.g.
// "vlan:1780-1789,2000".
func ParseLabel(s string) (*Label, error) {
	typ, vals, found := strings.Cut(s, ":")
	if !found || typ == "" {
		return nil, serrors.New("invalid label", "label", s)
	}
	set, err := ParseLabelSet(vals)
	if err != nil {
		return nil, err
	}
	return &Label{Type: typ, Values: set}, nil
}

// Intersect intersects two labels of the same type.
func (l *Label) Intersect(o *Label) (*Label, error) {
	if l.Type != o.Type {
		return nil, serrors.Join(ErrTopology, nil,
			"reason", "label type mismatch", "a", l.Type, "b", o.Type)
	}
	vals, err := l.Values.Intersect(o.Values)
	if err != nil {
		return nil, err
	}
	return &Label{Type: l.Type, Values: vals}, nil
}

// Equal reports type and value equality in canonical form.
func (l *Label) Equal(o *Label) bool {
	if l == nil || o == nil {
		return l == o
	}
	return l.Type == o.Type && l.Values.Equal(o.Values)
}

func (l *Label) String() string {
	if l == nil {
		return ""
	}
	return l.Type + ":" + l.Values.String()
}
