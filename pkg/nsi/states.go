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

// ReservationState is the state of the reserve / 2PC machine.
type ReservationState string

// Reservation states.
const (
	ReserveStart      ReservationState = "ReserveStart"
	ReserveChecking   ReservationState = "ReserveChecking"
	ReserveHeld       ReservationState = "ReserveHeld"
	ReserveCommitting ReservationState = "ReserveCommitting"
	ReserveFailed     ReservationState = "ReserveFailed"
	ReserveAborting   ReservationState = "ReserveAborting"
	ReserveTimeoutSt  ReservationState = "ReserveTimeout"
)

// ProvisionState is the state of the provision machine.
type ProvisionState string

// Provision states. Released doubles as the initial state; the self loops on
// Provisioning and Releasing allow retry after a failed device operation.
const (
	Released     ProvisionState = "Released"
	Provisioning ProvisionState = "Provisioning"
	Provisioned  ProvisionState = "Provisioned"
	Releasing    ProvisionState = "Releasing"
)

// LifecycleState is the state of the lifecycle machine.
type LifecycleState string

// Lifecycle states.
const (
	Created       LifecycleState = "Created"
	Failed        LifecycleState = "Failed"
	PassedEndTime LifecycleState = "PassedEndTime"
	Terminating   LifecycleState = "Terminating"
	Terminated    LifecycleState = "Terminated"
)

var reservationTransitions = map[ReservationState][]ReservationState{
	ReserveStart:      {ReserveChecking},
	ReserveChecking:   {ReserveHeld, ReserveFailed},
	ReserveHeld:       {ReserveCommitting, ReserveAborting, ReserveTimeoutSt},
	ReserveTimeoutSt:  {ReserveAborting},
	ReserveFailed:     {ReserveAborting},
	ReserveCommitting: {ReserveStart},
	ReserveAborting:   {ReserveStart},
}

var provisionTransitions = map[ProvisionState][]ProvisionState{
	Released:     {Provisioning},
	Provisioning: {Provisioning, Provisioned},
	Provisioned:  {Releasing},
	Releasing:    {Releasing, Released},
}

var lifecycleTransitions = map[LifecycleState][]LifecycleState{
	Created:       {Failed, PassedEndTime, Terminating, Terminated},
	Failed:        {Terminating},
	PassedEndTime: {Terminating},
	Terminating:   {Terminating, Terminated},
	Terminated:    {},
}

// CheckReservationTransition validates a reservation machine transition
// against the transition table.
func CheckReservationTransition(from, to ReservationState) error {
	for _, s := range reservationTransitions[from] {
		if s == to {
			return nil
		}
	}
	return serrors.Join(ErrInvalidTransition, nil,
		"machine", "reservation", "from", from, "to", to)
}

// CheckProvisionTransition validates a provision machine transition against
// the transition table.
func CheckProvisionTransition(from, to ProvisionState) error {
	for _, s := range provisionTransitions[from] {
		if s == to {
			return nil
		}
	}
	return serrors.Join(ErrInvalidTransition, nil,
		"machine", "provision", "from", from, "to", to)
}

// CheckLifecycleTransition validates a lifecycle machine transition against
// the transition table.
func CheckLifecycleTransition(from, to LifecycleState) error {
	for _, s := range lifecycleTransitions[from] {
		if s == to {
			return nil
		}
	}
	return serrors.Join(ErrInvalidTransition, nil,
		"machine", "lifecycle", "from", from, "to", to)
}

// ConnectionStates bundles the three orthogonal state variables of a
// connection.
type ConnectionStates struct {
	Reservation ReservationState `json:"reservation_state"`
	Provision   ProvisionState   `json:"provision_state"`
	Lifecycle   LifecycleState   `json:"lifecycle_state"`
}
