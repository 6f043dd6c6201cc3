// internal/server/mux.go
// Package server implements the HTTP surface of the exporter in daemon mode:
// health checks, Prometheus metrics, the run history kept in the ledger and
// a manual trigger for an immediate export.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/telemetry"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyCorrelationID stores the request correlation ID
	ContextKeyCorrelationID ContextKey = "correlationId"

	// Default limits for list operations
	DefaultListLimit = 25
	MaxListLimit     = 100
)

// ErrRunInProgress is returned by a Trigger when an export is already running.
var ErrRunInProgress = errors.New("run already in progress")

// Trigger starts an export in the background and returns immediately.
type Trigger func(ctx context.Context) error

// Mux handles HTTP requests for the daemon.
type Mux struct {
	mux     *http.ServeMux // HTTP request multiplexer
	s       storage.Store  // Download ledger
	trigger Trigger        // Manual run trigger, nil disables POST /v1/runs
	logger  *slog.Logger
}

// NewMux creates the daemon HTTP handler.
// Parameters:
//   - s: Download ledger backing the run history
//   - trigger: Starts a run on demand (can be nil)
//   - logger: Request logger
func NewMux(s storage.Store, trigger Trigger, logger *slog.Logger) http.Handler {
	m := &Mux{
		mux:     http.NewServeMux(),
		s:       s,
		trigger: trigger,
		logger:  logger,
	}

	// Health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Run history
	m.mux.HandleFunc("/v1/runs", m.withMiddleware(m.handleRuns))
	m.mux.HandleFunc("/v1/runs/{id}", m.method(http.MethodGet, m.withMiddleware(m.handleGetRun)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			m.writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
			return
		}
		h(w, r)
	}
}

// withMiddleware assigns a correlation ID and logs the request
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		m.logRequest(r, sw.status, time.Since(start), correlationID)
	}
}

// statusWriter records the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeError writes an error envelope
func (m *Mux) writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, details interface{}) {
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID(r),
	}
	if details != nil {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.logger.LogAttrs(r.Context(), level, "request completed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
	)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready when the ledger backend answers
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.s.Ping(ctx); err != nil {
		m.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleRuns dispatches /v1/runs by method
func (m *Mux) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.handleListRuns(w, r)
	case http.MethodPost:
		m.handleTriggerRun(w, r)
	default:
		m.writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	}
}

// handleListRuns handles GET /v1/runs
func (m *Mux) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "server.list_runs")
	defer span.End()

	limit := DefaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v <= 0 {
			m.writeError(w, r, http.StatusBadRequest, "VALIDATION", "limit must be a positive integer", limitStr)
			return
		}
		limit = min(v, MaxListLimit)
	}
	span.SetAttributes(attribute.Int("limit", limit))

	result, err := m.s.ListRuns(ctx, model.ListRunsQuery{Limit: limit, Cursor: r.URL.Query().Get("cursor")})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list runs")
		if r.URL.Query().Get("cursor") != "" {
			m.writeError(w, r, http.StatusBadRequest, "CURSOR_INVALID", err.Error(), nil)
			return
		}
		m.writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to list runs", nil)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// runDetail is a run together with its per-recording outcomes.
type runDetail struct {
	model.Run
	Downloads []model.DownloadRecord `json:"downloads"`
}

// handleGetRun handles GET /v1/runs/{id}
func (m *Mux) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "server.get_run")
	defer span.End()

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("run.id", id))

	run, err := m.s.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "run not found", id)
			return
		}
		span.RecordError(err)
		m.writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to get run", nil)
		return
	}
	downloads, err := m.s.ListDownloads(ctx, id)
	if err != nil {
		span.RecordError(err)
		m.writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to list downloads", nil)
		return
	}
	m.writeSuccess(w, http.StatusOK, runDetail{Run: *run, Downloads: downloads})
}

// handleTriggerRun handles POST /v1/runs
func (m *Mux) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if m.trigger == nil {
		m.writeError(w, r, http.StatusNotImplemented, "NOT_IMPLEMENTED", "manual runs are disabled", nil)
		return
	}
	// The run outlives the request
	if err := m.trigger(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			m.writeError(w, r, http.StatusConflict, "CONFLICT", err.Error(), nil)
			return
		}
		m.writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	m.writeSuccess(w, http.StatusAccepted, map[string]string{"status": "started"})
}
