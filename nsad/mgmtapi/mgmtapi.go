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

// Package mgmtapi implements the REST façade of the NSA. It exposes the
// connection collection as JSON, drives the connection lifecycle through
// status verbs, and streams state changes to long-poll clients as
// newline-delimited JSON.
package mgmtapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/nordunet/opennsa-go/pkg/log"
	"github.com/nordunet/opennsa-go/pkg/nsi"
	"github.com/nordunet/opennsa-go/pkg/private/serrors"
	"github.com/nordunet/opennsa-go/private/pubsub"
)

const maxBodySize = 1 << 20

// Config collects the server dependencies.
type Config struct {
	// NSAID is the URN of this NSA, used as both requester and provider in
	// the headers of locally originated operations.
	NSAID string
	// Provider handles the connection service operations, normally the
	// aggregator.
	Provider nsi.Provider
	// Bus distributes state changes to long-poll streams and to the
	// auto-commit orchestration.
	Bus *pubsub.Bus
	// AllowedNames restricts access to TLS clients whose certificate common
	// name is listed. Empty allows everyone.
	AllowedNames []string
	// MetricsHandler, if set, is mounted at /metrics.
	MetricsHandler http.Handler
	Logger         log.Logger
	Metrics        *Metrics
}

// Server is the REST façade. Create with New and mount Router.
type Server struct {
	nsaID          string
	provider       nsi.Provider
	bus            *pubsub.Bus
	allowed        map[string]struct{}
	metricsHandler http.Handler
	logger         log.Logger
	metrics        *Metrics
}

// New creates the server.
func New(cfg Config) *Server {
	s := &Server{
		nsaID:          cfg.NSAID,
		provider:       cfg.Provider,
		bus:            cfg.Bus,
		metricsHandler: cfg.MetricsHandler,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if s.logger == nil {
		s.logger = log.Root()
	}
	if len(cfg.AllowedNames) > 0 {
		s.allowed = make(map[string]struct{}, len(cfg.AllowedNames))
		for _, name := range cfg.AllowedNames {
			s.allowed[name] = struct{}{}
		}
	}
	return s
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
	}))
	r.Use(s.authorize)
	r.Get("/connections", s.ListConnections)
	r.Post("/connections", s.CreateConnection)
	r.Get("/connections/{id}", s.GetConnection)
	r.Get("/connections/{id}/status", s.StreamStatus)
	r.Post("/connections/{id}/status", s.PostStatus)
	if s.metricsHandler != nil {
		r.Method("GET", "/metrics", s.metricsHandler)
	}
	return r
}

// authorize enforces the client certificate allow-list.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.allowed == nil {
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			s.writeError(w, serrors.Join(nsi.ErrUnauthorized, nil,
				"reason", "client certificate required"))
			return
		}
		name := r.TLS.PeerCertificates[0].Subject.CommonName
		if _, ok := s.allowed[name]; !ok {
			s.writeError(w, serrors.Join(nsi.ErrUnauthorized, nil,
				"reason", "certificate not allowed", "common_name", name))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) header() nsi.Header {
	return nsi.NewHeader(s.nsaID, s.nsaID)
}

// createRequest is the POST /connections payload.
type createRequest struct {
	Source        string     `json:"source"`
	Destination   string     `json:"destination"`
	Start         *time.Time `json:"start,omitempty"`
	End           *time.Time `json:"end,omitempty"`
	Capacity      int64      `json:"capacity,omitempty"`
	AutoCommit    bool       `json:"auto_commit,omitempty"`
	AutoProvision bool       `json:"auto_provision,omitempty"`
}

// ListConnections returns all connection records as a JSON array.
func (s *Server) ListConnections(w http.ResponseWriter, r *http.Request) {
	results, err := s.provider.QuerySummary(r.Context(), s.header(), nsi.QueryFilter{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []nsi.QueryResult{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

// CreateConnection reserves a new connection and optionally commits and
// provisions it as the reservation progresses.
func (s *Server) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	body := io.LimitReader(r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, serrors.Join(nsi.ErrPayload, err, "reason", "invalid JSON"))
		return
	}
	if req.Source == "" || req.Destination == "" {
		s.writeError(w, serrors.Join(nsi.ErrPayload, nil,
			"reason", "source and destination are required"))
		return
	}
	source, err := nsi.ParseSTP(req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	dest, err := nsi.ParseSTP(req.Destination)
	if err != nil {
		s.writeError(w, err)
		return
	}
	schedule := nsi.Schedule{}
	if req.Start != nil {
		schedule.Start = req.Start.UTC()
	}
	if req.End != nil {
		schedule.End = req.End.UTC()
	}
	reserve := nsi.ReserveRequest{
		Description: "created via REST API",
		Criteria: nsi.Criteria{
			Schedule: schedule,
			Service: nsi.P2PService{
				Source:         source,
				Dest:           dest,
				Capacity:       req.Capacity,
				Directionality: nsi.Bidirectional,
			},
		},
	}

	// Subscribe before reserving so the orchestration cannot miss the held
	// notification of a fast local reservation.
	var updates <-chan pubsub.StateUpdate
	var cancel func()
	autoCommit := req.AutoCommit || req.AutoProvision
	if autoCommit {
		updates, cancel = s.bus.Subscribe("")
	}

	connectionID, err := s.provider.Reserve(r.Context(), s.header(), reserve)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		s.writeError(w, err)
		return
	}
	s.metrics.connectionCreated()
	if autoCommit {
		go func() {
			defer log.HandlePanic()
			defer cancel()
			s.orchestrate(connectionID, req.AutoProvision, updates)
		}()
	}

	w.Header().Set("Location", "/connections/"+connectionID)
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"connection_id": connectionID,
	})
}

// orchestrate watches the state stream of a freshly reserved connection and
// fires commit and provision at the right transitions.
func (s *Server) orchestrate(
	connectionID string, provision bool, updates <-chan pubsub.StateUpdate,
) {
	logger := s.logger.New("conn_id", connectionID)
	committed, provisioned := false, false
	for update := range updates {
		if update.ConnectionID != connectionID {
			continue
		}
		states := update.States
		if states.Lifecycle != nsi.Created {
			return
		}
		switch {
		case states.Reservation == nsi.ReserveFailed,
			states.Reservation == nsi.ReserveTimeoutSt:
			logger.Info("Auto-commit abandoned", "reservation", states.Reservation)
			return
		case states.Reservation == nsi.ReserveHeld && !committed:
			committed = true
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			err := s.provider.ReserveCommit(ctx, s.header(), connectionID)
			cancel()
			if err != nil {
				logger.Error("Auto-commit failed", "err", err)
				return
			}
		case states.Reservation == nsi.ReserveStart && committed && !provision:
			return
		case states.Reservation == nsi.ReserveStart && committed &&
			provision && !provisioned:
			provisioned = true
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			err := s.provider.Provision(ctx, s.header(), connectionID)
			cancel()
			if err != nil {
				logger.Error("Auto-provision failed", "err", err)
				return
			}
		case states.Provision == nsi.Provisioned && provisioned:
			return
		}
	}
}

const opTimeout = 30 * time.Second

// GetConnection returns a single connection record.
func (s *Server) GetConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.lookup(r, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) lookup(r *http.Request, id string) (nsi.QueryResult, error) {
	results, err := s.provider.QuerySummary(r.Context(), s.header(),
		nsi.QueryFilter{ConnectionIDs: []string{id}})
	if err != nil {
		return nsi.QueryResult{}, err
	}
	if len(results) == 0 {
		return nsi.QueryResult{}, serrors.Join(nsi.ErrConnectionNonExistent, nil,
			"conn_id", id)
	}
	return results[0], nil
}

// StreamStatus streams state changes of one connection as newline-delimited
// JSON until the client disconnects. The current state is emitted first.
func (s *Server) StreamStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.lookup(r, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, serrors.New("streaming unsupported"))
		return
	}
	updates, cancel := s.bus.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	if err := enc.Encode(pubsub.StateUpdate{
		ConnectionID: id,
		States:       result.States,
		DataPlane: nsi.DataPlaneStatus{
			Active:            result.DataPlaneActive,
			Version:           result.DataPlaneVersion,
			VersionConsistent: true,
		},
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-updates:
			if !open {
				return
			}
			if err := enc.Encode(update); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// PostStatus drives the lifecycle of a connection with a single verb.
func (s *Server) PostStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, 64))
	if err != nil {
		s.writeError(w, serrors.Join(nsi.ErrPayload, err))
		return
	}
	verb := strings.ToUpper(strings.TrimSpace(string(body)))
	var op func(context.Context, nsi.Header, string) error
	switch verb {
	case "COMMIT":
		op = s.provider.ReserveCommit
	case "ABORT":
		op = s.provider.ReserveAbort
	case "PROVISION":
		op = s.provider.Provision
	case "RELEASE":
		op = s.provider.Release
	case "TERMINATE":
		op = s.provider.Terminate
	default:
		s.writeError(w, serrors.Join(nsi.ErrPayload, nil,
			"reason", "unknown status verb", "verb", verb))
		return
	}
	if err := op(r.Context(), s.header(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.statusVerb(verb)
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"connection_id": id,
		"status":        verb,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Writing response failed", "err", err)
	}
}

// problem is the JSON error body.
type problem struct {
	Status  int    `json:"status"`
	ErrorID string `json:"error_id,omitempty"`
	Detail  string `json:"detail"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := problem{
		Status:  status,
		ErrorID: nsi.ErrorID(err),
		Detail:  err.Error(),
	}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		s.logger.Debug("Writing error response failed", "err", encErr)
	}
}

// httpStatus maps the service error taxonomy to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, nsi.ErrPayload):
		return http.StatusBadRequest
	case errors.Is(err, nsi.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, nsi.ErrConnectionNonExistent):
		return http.StatusNotFound
	case errors.Is(err, nsi.ErrConnectionGone):
		return http.StatusGone
	case errors.Is(err, nsi.ErrInvalidTransition),
		errors.Is(err, nsi.ErrSTPUnavailable):
		return http.StatusConflict
	case errors.Is(err, nsi.ErrTopology):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
