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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the backend counters. A nil *Metrics disables all metrics.
type Metrics struct {
	Reservations *prometheus.CounterVec
	DataPlaneOps *prometheus.CounterVec
	Timeouts     prometheus.Counter
}

// NewMetrics creates and registers the backend metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nsad_backend_reservations_total",
				Help: "Reserve requests processed, by result.",
			},
			[]string{"result"},
		),
		DataPlaneOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nsad_backend_dataplane_operations_total",
				Help: "Data plane setup and teardown operations, by result.",
			},
			[]string{"operation", "result"},
		),
		Timeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nsad_backend_reserve_timeouts_total",
				Help: "Reservations aborted by the two-phase commit timeout.",
			},
		),
	}
	reg.MustRegister(m.Reservations, m.DataPlaneOps, m.Timeouts)
	return m
}

func (m *Metrics) reservation(result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) dataPlaneOp(operation, result string) {
	if m == nil {
		return
	}
	m.DataPlaneOps.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) timeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
}
