package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bdobrica/roombot/common/version"
	"github.com/bdobrica/roombot/internal/roombot/health"
	"github.com/bdobrica/roombot/internal/roombot/store"
)

// HealthServer exposes /health, /status and /audit.  It is optional; roombot runs
// without it when http_addr is empty.
type HealthServer struct {
	addr      string
	store     statusProvider
	probes    probeProvider
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// statusProvider is the part of the store the status and audit pages read.
type statusProvider interface {
	CountAudit(ctx context.Context, result string) (int, error)
	GetAuditLog(ctx context.Context, limit int) ([]*store.AuditEntry, error)
	GetAuditByTrace(ctx context.Context, traceID string) ([]*store.AuditEntry, error)
	ListProbeSamples(ctx context.Context) ([]store.ProbeSample, error)
	SchemaVersion() (int, error)
}

// maxAuditLimit caps the limit query parameter of /audit.
const maxAuditLimit = 1000

// probeProvider returns the probe results of the running process.
type probeProvider interface {
	Last() []health.Result
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status      string          `json:"status"`
	Version     string          `json:"version"`
	Commit      string          `json:"commit"`
	BuildTime   string          `json:"build_time"`
	StartedAt   time.Time       `json:"started_at"`
	UptimeSecs  float64         `json:"uptime_seconds"`
	CommandsRun int             `json:"commands_run"`
	Denied      int             `json:"commands_denied"`
	Failed      int             `json:"commands_failed"`
	Schema      int             `json:"schema_version"`
	Probes      []health.Result `json:"probes"`
}

type auditEntry struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"ts"`
	TraceID   string          `json:"trace_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    string          `json:"result"`
	Error     string          `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHealthServer creates the HTTP server without starting it.  sp and pp
// may be nil.
func NewHealthServer(addr string, sp statusProvider, pp probeProvider) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		store:     sp,
		probes:    pp,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	mux.HandleFunc("GET /audit", hs.handleAudit)
	return hs
}

// ServeHTTP implements http.Handler.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start listens in the background and shuts down when ctx is cancelled.
// It returns once the listener is open.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	return nil
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
		Probes:     []health.Result{},
	}
	if h.store != nil {
		resp.CommandsRun = h.count(r.Context(), "")
		resp.Denied = h.count(r.Context(), store.ResultDenied)
		resp.Failed = h.count(r.Context(), store.ResultError)
		v, err := h.store.SchemaVersion()
		if err != nil {
			slog.Warn("health: failed to read schema version", "err", err)
		}
		resp.Schema = v
	}
	if h.probes != nil {
		resp.Probes = append(resp.Probes, h.probes.Last()...)
	}
	// Before the first tick, show what the previous run recorded.
	if len(resp.Probes) == 0 && h.store != nil {
		samples, err := h.store.ListProbeSamples(r.Context())
		if err != nil {
			slog.Warn("health: failed to list probe samples", "err", err)
		}
		for _, s := range samples {
			resp.Probes = append(resp.Probes, health.Result{
				Room:      s.Room,
				Namespace: health.Namespace(s.Room),
				At:        s.At,
				RTT:       s.RTT,
				Error:     s.Error,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAudit lists audit entries: all entries of one command with
// ?trace=<id>, otherwise the newest ?limit=<n>.
func (h *HealthServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "audit log unavailable"})
		return
	}
	q := r.URL.Query()

	var entries []*store.AuditEntry
	var err error
	if traceID := q.Get("trace"); traceID != "" {
		entries, err = h.store.GetAuditByTrace(r.Context(), traceID)
	} else {
		limit := 0
		if s := q.Get("limit"); s != "" {
			limit, err = strconv.Atoi(s)
			if err != nil || limit < 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
				return
			}
		}
		entries, err = h.store.GetAuditLog(r.Context(), min(limit, maxAuditLimit))
	}
	if err != nil {
		slog.Warn("health: failed to read audit log", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read audit log"})
		return
	}

	resp := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditEntry{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			TraceID:   e.TraceID,
			Actor:     e.Actor,
			Action:    e.Action,
			Target:    e.Target.String,
			Payload:   json.RawMessage(e.PayloadJSON.String),
			Result:    e.Result,
			Error:     e.ErrorMessage.String,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthServer) count(ctx context.Context, result string) int {
	n, err := h.store.CountAudit(ctx, result)
	if err != nil {
		slog.Warn("health: failed to count audit entries", "result", result, "err", err)
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
