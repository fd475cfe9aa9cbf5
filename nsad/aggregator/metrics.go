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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the aggregator counters. A nil *Metrics disables all metrics.
type Metrics struct {
	Reservations  *prometheus.CounterVec
	ChildOps      *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// NewMetrics creates and registers the aggregator metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nsad_aggregator_reservations_total",
				Help: "Aggregated reserve requests processed, by result.",
			},
			[]string{"result"},
		),
		ChildOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nsad_aggregator_child_operations_total",
				Help: "Operations issued to child providers, by operation and result.",
			},
			[]string{"operation", "result"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nsad_aggregator_notifications_total",
				Help: "Notifications forwarded to the parent requester, by kind.",
			},
			[]string{"kind"},
		),
	}
	reg.MustRegister(m.Reservations, m.ChildOps, m.Notifications)
	return m
}

func (m *Metrics) reservation(result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) childOp(operation, result string) {
	if m == nil {
		return
	}
	m.ChildOps.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) notification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}
