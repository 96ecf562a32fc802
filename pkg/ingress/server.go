// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingress exposes the HTTP surface of the gateway: event intake
// routes for the v1, routing and v2 formats, maintenance-window admin
// endpoints, and the lifecycle endpoints.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/incidentops/event-gateway/pkg/bpql"
	"github.com/incidentops/event-gateway/pkg/ims"
	"github.com/incidentops/event-gateway/pkg/rules"
)

// maxBodyBytes bounds inbound payload size.
const maxBodyBytes = 10 << 20

// Enqueuer accepts validated events for dispatch.
type Enqueuer interface {
	EnqueueEvent(ctx context.Context, rec map[string]any, routingKey, destType string) error
}

// WindowStore is the subset of the rule store the admin endpoints need.
type WindowStore interface {
	AddWindow(ctx context.Context, w rules.Window) error
	DeleteWindow(ctx context.Context, id string) error
	Invalidate()
}

// Options configures the ingress server.
type Options struct {
	// ScrubPII redacts secret-looking values from inbound payloads
	// before they are enqueued.
	ScrubPII bool
	// IsReady gates the readiness endpoint. Nil means always ready.
	IsReady func() bool
}

// Server holds the ingress handlers.
type Server struct {
	logger   log.Logger
	enqueuer Enqueuer
	windows  WindowStore
	opts     Options
	validate *validator.Validate

	acceptedTotal *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec
}

// NewServer builds the ingress server.
func NewServer(logger log.Logger, enqueuer Enqueuer, windows WindowStore, opts Options, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		logger:   logger,
		enqueuer: enqueuer,
		windows:  windows,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		acceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ingress_accepted_total",
			Help: "Number of accepted inbound events.",
		}, []string{"route"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ingress_rejected_total",
			Help: "Number of rejected inbound events.",
		}, []string{"route", "reason"}),
	}
	if reg != nil {
		reg.MustRegister(s.acceptedTotal, s.rejectedTotal)
	}
	return s
}

// Register installs all handlers on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /integration/{key}/enqueue", s.handleV1)
	mux.HandleFunc("POST /x-ere/{key}", s.handleRouting)
	mux.HandleFunc("POST /v2/enqueue", s.handleV2)

	mux.HandleFunc("POST /maintenances", s.handleAddMaintenance)
	mux.HandleFunc("DELETE /maintenances/{id}", s.handleDeleteMaintenance)

	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if s.opts.IsReady != nil && !s.opts.IsReady() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("POST /-/reload", func(w http.ResponseWriter, _ *http.Request) {
		s.windows.Invalidate()
		fmt.Fprint(w, "OK")
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// handleV1 accepts arbitrary JSON for classic integrations. An empty body
// is the only rejection.
func (s *Server) handleV1(w http.ResponseWriter, r *http.Request) {
	s.handleOpaque(w, r, "v1", ims.DestV1)
}

// handleRouting accepts arbitrary JSON for routing-engine keys.
func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	s.handleOpaque(w, r, "routing", ims.DestRouting)
}

func (s *Server) handleOpaque(w http.ResponseWriter, r *http.Request, route, destType string) {
	key := r.PathValue("key")
	if !ims.ValidIntegrationKey(key) {
		s.rejectedTotal.WithLabelValues(route, "key").Inc()
		http.Error(w, "Invalid routing key", http.StatusBadRequest)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if len(body) == 0 {
		s.rejectedTotal.WithLabelValues(route, "empty").Inc()
		http.Error(w, "Empty payload", http.StatusBadRequest)
		return
	}
	var rec map[string]any
	if err := json.Unmarshal(body, &rec); err != nil {
		s.rejectedTotal.WithLabelValues(route, "json").Inc()
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	s.accept(w, r, route, rec, key, destType)
}

// v2Payload carries the fields a trigger event must fill.
type v2Payload struct {
	Summary  string `json:"summary" validate:"required"`
	Source   string `json:"source" validate:"required"`
	Severity string `json:"severity" validate:"required,oneof=info warning error critical"`
}

type v2Event struct {
	RoutingKey  string     `json:"routing_key"`
	EventAction string     `json:"event_action" validate:"required,oneof=trigger acknowledge resolve"`
	Payload     *v2Payload `json:"payload" validate:"-"`
}

func (s *Server) handleV2(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var ev v2Event
	if err := json.Unmarshal(body, &ev); err != nil {
		s.rejectedTotal.WithLabelValues("v2", "json").Inc()
		http.Error(w, "Invalid PD events v2 payload", http.StatusBadRequest)
		return
	}
	if !ims.ValidIntegrationKey(ev.RoutingKey) {
		s.rejectedTotal.WithLabelValues("v2", "key").Inc()
		http.Error(w, "Invalid routing key", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(ev); err != nil {
		s.rejectedTotal.WithLabelValues("v2", "payload").Inc()
		http.Error(w, "Invalid PD events v2 payload", http.StatusBadRequest)
		return
	}
	// Payload fields are only mandated for triggers.
	if ev.EventAction == "trigger" {
		if ev.Payload == nil || s.validate.Struct(ev.Payload) != nil {
			s.rejectedTotal.WithLabelValues("v2", "payload").Inc()
			http.Error(w, "Invalid PD events v2 payload", http.StatusBadRequest)
			return
		}
	}
	var rec map[string]any
	if err := json.Unmarshal(body, &rec); err != nil {
		s.rejectedTotal.WithLabelValues("v2", "json").Inc()
		http.Error(w, "Invalid PD events v2 payload", http.StatusBadRequest)
		return
	}
	s.accept(w, r, "v2", rec, ev.RoutingKey, ims.DestV2)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, route string, rec map[string]any, key, destType string) {
	if s.opts.ScrubPII {
		Scrub(rec)
	}
	if err := s.enqueuer.EnqueueEvent(r.Context(), rec, key, destType); err != nil {
		s.rejectedTotal.WithLabelValues(route, "enqueue").Inc()
		_ = level.Error(s.logger).Log("msg", "enqueue failed", "route", route, "err", err)
		http.Error(w, "Enqueue failed", http.StatusInternalServerError)
		return
	}
	s.acceptedTotal.WithLabelValues(route).Inc()
	fmt.Fprint(w, "Message enqueued")
}

// maintenanceRequest is the admin-facing window shape. Condition is BPQL
// text.
type maintenanceRequest struct {
	MaintenanceKey string `json:"maintenance_key" validate:"required"`
	Name           string `json:"name" validate:"required"`
	Start          int64  `json:"start" validate:"required"`
	End            int64  `json:"end"`
	Frequency      string `json:"frequency" validate:"required,oneof=once daily weekly"`
	Duration       int64  `json:"duration"`
	Condition      string `json:"condition"`
}

func (s *Server) handleAddMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid maintenance payload", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "Invalid maintenance payload", http.StatusBadRequest)
		return
	}
	win := rules.Window{
		ID:             uuid.NewString(),
		MaintenanceKey: req.MaintenanceKey,
		Name:           req.Name,
		Start:          req.Start,
		End:            req.End,
		Frequency:      req.Frequency,
		Duration:       req.Duration,
	}
	if req.Condition != "" {
		cond, err := bpql.Parse(req.Condition)
		if err != nil {
			http.Error(w, "Invalid maintenance condition", http.StatusBadRequest)
			return
		}
		win.Condition = cond
	}
	if err := s.windows.AddWindow(r.Context(), win); err != nil {
		_ = level.Error(s.logger).Log("msg", "add maintenance failed", "err", err)
		http.Error(w, "Store failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": win.ID})
}

func (s *Server) handleDeleteMaintenance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.windows.DeleteWindow(r.Context(), id); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
