// Package api assembles the gateway's HTTP surface: health probes, the
// WebSocket endpoint, hub diagnostics, the maintenance controls, and the
// server-side publish entry point.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentmux/gateway/internal/channel"
	"github.com/agentmux/gateway/internal/httpx"
	"github.com/agentmux/gateway/internal/hub"
	"github.com/agentmux/gateway/internal/idempotency"
	"github.com/agentmux/gateway/internal/maintenance"
)

// gatePassPrefixes bypass the maintenance gate: probes, telemetry, and the
// maintenance API itself must work while the gateway refuses everything
// else.
var gatePassPrefixes = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/api/v1/maintenance",
}

// gateUntrackedPrefixes are served without inflight accounting: the
// WebSocket handler runs for as long as the client stays connected, so
// counting it would keep a drain waiting forever.
var gateUntrackedPrefixes = []string{
	"/ws",
}

// Options wires the server's collaborators.
type Options struct {
	Logger      zerolog.Logger
	Hub         *hub.Hub
	Maintenance *maintenance.Controller
	Idempotency *idempotency.Cache
	WebSocket   http.Handler
	Version     string

	// IdempotencyPolicy selects which requests the idempotency layer
	// covers; the zero value falls back to the default gated methods.
	IdempotencyPolicy idempotency.Policy

	// DefaultDrainDeadline applies when a drain request omits its own.
	DefaultDrainDeadline time.Duration

	// OnDrain, if set, runs after a drain is accepted so the process can
	// begin shutting down.
	OnDrain func()
}

// Server is the assembled HTTP surface.
type Server struct {
	log  zerolog.Logger
	opts Options
}

// NewServer builds the server; Router produces the handler tree.
func NewServer(opts Options) *Server {
	if opts.DefaultDrainDeadline <= 0 {
		opts.DefaultDrainDeadline = 30 * time.Second
	}
	return &Server{
		log:  opts.Logger.With().Str("component", "api").Logger(),
		opts: opts,
	}
}

// Router assembles the route tree with the maintenance gate outermost and
// the idempotency layer inside it.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(maintenance.Middleware(s.opts.Maintenance, gatePassPrefixes, gateUntrackedPrefixes))
	r.Use(idempotency.Middleware(s.opts.Idempotency, s.opts.IdempotencyPolicy, s.log))

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.opts.WebSocket != nil {
		r.Handle("/ws", s.opts.WebSocket)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/hub/stats", s.handleHubStats).Methods(http.MethodGet)
	api.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
	api.HandleFunc("/maintenance", s.handleMaintenanceStatus).Methods(http.MethodGet)
	api.HandleFunc("/maintenance", s.handleEnterMaintenance).Methods(http.MethodPost)
	api.HandleFunc("/maintenance/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/maintenance/drain", s.handleDrain).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, httpx.CodeNotFound, "no such route")
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.opts.Version,
	})
}

// handleReadyz flips to 503 once draining starts so the load balancer
// stops routing new work here.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Maintenance.Draining() {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeDraining, "gateway is draining")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"mode":   s.opts.Maintenance.Mode(),
	})
}

func (s *Server) handleHubStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.opts.Hub.HubStats())
}

type publishRequest struct {
	Channel  string          `json:"channel"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *hub.Metadata   `json:"metadata,omitempty"`
}

type publishResponse struct {
	ID        string        `json:"id"`
	Cursor    hub.Cursor    `json:"cursor"`
	Channel   string        `json:"channel"`
	Timestamp hub.Timestamp `json:"timestamp"`
}

// handlePublish lets backend services inject an event over HTTP; it runs
// under the idempotency layer so retried posts deliver once.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidRequest, "request body is not valid JSON")
		return
	}
	ch, err := channel.Parse(req.Channel)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidChannel, err.Error())
		return
	}
	if req.Type == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidRequest, "event type is required")
		return
	}

	msg, err := s.opts.Hub.Publish(ch, req.Type, req.Payload, req.Metadata)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "publish failed")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, publishResponse{
		ID:        msg.ID,
		Cursor:    msg.Cursor,
		Channel:   string(msg.Channel),
		Timestamp: msg.Timestamp,
	})
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.opts.Maintenance.Snapshot())
}

type maintenanceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEnterMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.opts.Maintenance.EnterMaintenance(req.Reason); err != nil {
		httpx.WriteError(w, r, http.StatusConflict, httpx.CodeDraining, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.opts.Maintenance.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Maintenance.Resume(); err != nil {
		httpx.WriteError(w, r, http.StatusConflict, httpx.CodeDraining, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.opts.Maintenance.Snapshot())
}

type drainRequest struct {
	DeadlineSeconds int    `json:"deadlineSeconds"`
	Reason          string `json:"reason"`
}

// handleDrain starts the terminal drain and, once accepted, hands control
// to the process shutdown sequence.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	var req drainRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	deadline := s.opts.DefaultDrainDeadline
	if req.DeadlineSeconds != 0 {
		deadline = time.Duration(req.DeadlineSeconds) * time.Second
	}

	if err := s.opts.Maintenance.StartDraining(deadline, req.Reason); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeInvalidRequest, err.Error())
		return
	}
	s.log.Warn().Dur("deadline", deadline).Str("reason", req.Reason).Msg("drain requested over HTTP")
	if s.opts.OnDrain != nil {
		s.opts.OnDrain()
	}
	httpx.WriteJSON(w, http.StatusAccepted, s.opts.Maintenance.Snapshot())
}
