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
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// Directionality of a point-to-point service.
type Directionality string

// Directionality values.
const (
	Bidirectional  Directionality = "Bidirectional"
	Unidirectional Directionality = "Unidirectional"
)

// P2PService is the point-to-point service definition of a reservation.
type P2PService struct {
	Source         STP
	Dest           STP
	Capacity       int64 // Mbps
	Directionality Directionality
	Symmetric      bool
	ERO            []STP
	Params         map[string]string
}

// Validate checks the service definition invariants: both STPs carry exactly
// one label and the label types match.
func (s P2PService) Validate() error {
	if err := s.Source.ValidateSingleLabel(); err != nil {
		return err
	}
	if err := s.Dest.ValidateSingleLabel(); err != nil {
		return err
	}
	if s.Source.Label.Type != s.Dest.Label.Type {
		return serrors.Join(ErrTopology, nil, "reason", "label type mismatch",
			"source", s.Source.Label.Type, "dest", s.Dest.Label.Type)
	}
	if s.Capacity < 0 {
		return serrors.Join(ErrPayload, nil, "reason", "negative capacity",
			"capacity", s.Capacity)
	}
	return nil
}

// Criteria is the versioned reservation criteria.
type Criteria struct {
	Revision int
	Schedule Schedule
	Service  P2PService
}
