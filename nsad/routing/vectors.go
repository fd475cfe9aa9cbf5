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

// Package routing maintains the distance-vector model of reachable networks.
// Each known peer NSA announces its cost, its local networks and the extra
// cost of the networks it can reach; the table derives the cheapest next-hop
// NSA per network.
package routing

import (
	"sync"
)

// DefaultMaxCost caps the total path cost of derived routes.
const DefaultMaxCost = 5

// Vector is the reachability announcement of one NSA.
type Vector struct {
	// Cost of reaching the announcing NSA itself.
	Cost int
	// LocalNetworks are directly attached to the NSA.
	LocalNetworks []string
	// Reachable maps transit networks to their extra cost beyond Cost.
	Reachable map[string]int
}

type path struct {
	nsa  string
	cost int
}

// Table is the route vector table. All methods are safe for concurrent use.
type Table struct {
	mu sync.Mutex
	// own networks, never routed through a peer
	localNetworks map[string]struct{}
	blacklist     map[string]struct{}
	maxCost       int

	vectors map[string]Vector
	order   []string // first-seen order of NSAs, for deterministic tie-break
	paths   map[string]path

	updateCallbacks []func()
}

// Config configures a Table.
type Config struct {
	// LocalNetworks of this NSA; excluded from the derived view.
	LocalNetworks []string
	// Blacklist of networks that must never appear in the derived view.
	Blacklist []string
	// MaxCost caps total route cost; zero means DefaultMaxCost.
	MaxCost int
}

// New creates an empty table.
func New(cfg Config) *Table {
	maxCost := cfg.MaxCost
	if maxCost == 0 {
		maxCost = DefaultMaxCost
	}
	t := &Table{
		localNetworks: map[string]struct{}{},
		blacklist:     map[string]struct{}{},
		maxCost:       maxCost,
		vectors:       map[string]Vector{},
		paths:         map[string]path{},
	}
	for _, n := range cfg.LocalNetworks {
		t.localNetworks[n] = struct{}{}
	}
	for _, n := range cfg.Blacklist {
		t.blacklist[n] = struct{}{}
	}
	return t
}

// OnUpdate registers a callback invoked after every change to the table, so
// the discovery layer can republish this NSA's reachability.
func (t *Table) OnUpdate(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateCallbacks = append(t.updateCallbacks, f)
}

// UpdateVector adds or replaces the vector announced by an NSA and
// recomputes the derived view.
func (t *Table) UpdateVector(nsaURN string, v Vector) {
	t.mu.Lock()
	if _, seen := t.vectors[nsaURN]; !seen {
		t.order = append(t.order, nsaURN)
	}
	t.vectors[nsaURN] = v
	t.recompute()
	callbacks := t.updateCallbacks
	t.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
}

// DeleteVector removes the vector announced by an NSA.
func (t *Table) DeleteVector(nsaURN string) {
	t.mu.Lock()
	if _, seen := t.vectors[nsaURN]; !seen {
		t.mu.Unlock()
		return
	}
	delete(t.vectors, nsaURN)
	for i, urn := range t.order {
		if urn == nsaURN {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.recompute()
	callbacks := t.updateCallbacks
	t.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
}

func (t *Table) recompute() {
	paths := map[string]path{}
	for _, nsa := range t.order {
		v := t.vectors[nsa]
		consider := func(network string, cost int) {
			if _, local := t.localNetworks[network]; local {
				return
			}
			if _, banned := t.blacklist[network]; banned {
				return
			}
			if cost > t.maxCost {
				return
			}
			// strict improvement only: ties stay with the first-seen NSA
			if cur, ok := paths[network]; ok && cur.cost <= cost {
				return
			}
			paths[network] = path{nsa: nsa, cost: cost}
		}
		for _, network := range v.LocalNetworks {
			consider(network, v.Cost)
		}
		for network, extra := range v.Reachable {
			consider(network, v.Cost+extra)
		}
	}
	t.paths = paths
}

// Vector returns the next-hop NSA for the network, if one is known.
func (t *Table) Vector(network string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.paths[network]
	return p.nsa, ok
}

// Cost returns the total cost of the derived route for the network.
func (t *Table) Cost(network string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.paths[network]
	return p.cost, ok
}

// ListVectors returns the derived network → cost view, used to publish this
// NSA's own reachability to its peers.
func (t *Table) ListVectors() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.paths))
	for network, p := range t.paths {
		out[network] = p.cost
	}
	return out
}
