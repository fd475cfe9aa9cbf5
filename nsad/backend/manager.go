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

package backend

import (
	"context"
	"sync"

	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

// ConnectionManager is the device driver contract. A driver knows how to
// map ports and label values to device targets and how to create and tear
// down cross-connects on its network elements.
type ConnectionManager interface {
	// Resource returns the reservation calendar key for a port pinned to a
	// label value.
	Resource(port string, labelValue int) string
	// Target returns the opaque device target for a port and label value,
	// e.g. an interface plus VLAN.
	Target(port string, labelValue int) (string, error)
	// CanSwapLabel reports whether the device can cross-connect two
	// different values of the label type.
	CanSwapLabel(labelType string) bool
	// CreateConnectionID mints the provider connection id for a new
	// reservation.
	CreateConnectionID(src, dst nsi.STP) (string, error)
	// SetupLink creates the cross-connect between the two targets.
	SetupLink(ctx context.Context, connectionID, srcTarget, dstTarget string, capacity int64) error
	// TeardownLink removes the cross-connect between the two targets.
	TeardownLink(ctx context.Context, connectionID, srcTarget, dstTarget string, capacity int64) error
}

// DriverFactory creates a connection manager from driver-specific
// configuration.
type DriverFactory func(cfg map[string]string, logger log.Logger) (ConnectionManager, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]DriverFactory{}
)

// RegisterDriver makes a driver available under the given name. Drivers
// register from their package init, like database/sql drivers.
func RegisterDriver(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("backend: driver registered twice: " + name)
	}
	drivers[name] = factory
}

// OpenDriver creates the connection manager for the named driver.
func OpenDriver(name string, cfg map[string]string, logger log.Logger) (ConnectionManager, error) {
	driversMu.Lock()
	factory, ok := drivers[name]
	driversMu.Unlock()
	if !ok {
		return nil, serrors.New("unknown backend driver", "driver", name)
	}
	return factory(cfg, logger)
}

// Drivers returns the names of all registered drivers.
func Drivers() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	return out
}
