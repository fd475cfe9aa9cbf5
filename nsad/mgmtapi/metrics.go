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

package mgmtapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the REST façade counters. A nil *Metrics disables all
// metrics.
type Metrics struct {
	ConnectionsCreated prometheus.Counter
	StatusVerbs        *prometheus.CounterVec
}

// NewMetrics creates and registers the REST façade metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nsad_mgmtapi_connections_created_total",
				Help: "Connections created through the REST API.",
			},
		),
		StatusVerbs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nsad_mgmtapi_status_verbs_total",
				Help: "Accepted status verbs, by verb.",
			},
			[]string{"verb"},
		),
	}
	reg.MustRegister(m.ConnectionsCreated, m.StatusVerbs)
	return m
}

func (m *Metrics) connectionCreated() {
	if m == nil {
		return
	}
	m.ConnectionsCreated.Inc()
}

func (m *Metrics) statusVerb(verb string) {
	if m == nil {
		return
	}
	m.StatusVerbs.WithLabelValues(verb).Inc()
}
