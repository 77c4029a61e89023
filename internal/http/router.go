// Package httpx exposes the watcher over HTTP: an event ingest endpoint for
// EventBridge API destinations, health and metrics, and the outcome stream.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/service/reconcile"
	"github.com/splax/taskwatch/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxEventBytes      = 1 << 20
	taskStateChange    = "ECS Task State Change"
)

// EventHandler processes a single task state change.
type EventHandler interface {
	Handle(ctx context.Context, id string, event domain.TaskStateChangeEvent) reconcile.Outcome
}

// OutcomeStream accepts websocket subscribers.
type OutcomeStream interface {
	Register(topic string, client ws.Subscriber)
	Unregister(topic string, client ws.Subscriber)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	events   EventHandler
	stream   OutcomeStream
	metrics  http.Handler
	upgrader websocket.Upgrader
	dbHealth func(context.Context) error

	metricsOnce    sync.Once
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	registerer     prometheus.Registerer
}

// NewRouter assembles routes with dependencies. metrics serves /metrics and
// registerer receives the HTTP request collectors; either may be nil.
func NewRouter(logger *slog.Logger, events EventHandler, stream OutcomeStream, metrics http.Handler, registerer prometheus.Registerer, dbHealth func(context.Context) error) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "http"),
		events:  events,
		stream:  stream,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth:   dbHealth,
		registerer: registerer,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/events/ecs", r.audit("/events/ecs", r.handleEvent))
	r.mux.HandleFunc("/ws/outcomes", r.handleOutcomesWS)
	if r.metrics != nil {
		r.mux.Handle("/metrics", r.metrics)
	}
}

func (r *Router) handleEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "event too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var event domain.TaskStateChangeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if event.DetailType != "" && event.DetailType != taskStateChange {
		writeError(w, http.StatusUnprocessableEntity, "unsupported detail-type "+event.DetailType)
		return
	}
	if strings.TrimSpace(event.Detail.TaskArn) == "" {
		writeError(w, http.StatusBadRequest, "detail.taskArn is required")
		return
	}

	deliveryID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	out := r.events.Handle(req.Context(), deliveryID, event)

	payload := map[string]any{
		"delivery_id": deliveryID,
		"outcome":     out,
	}
	if out.Err != nil {
		payload["error"] = out.ErrorText()
	}
	code := http.StatusOK
	if out.Fatal() {
		// Let the sender redeliver once the store settles.
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleOutcomesWS(w http.ResponseWriter, req *http.Request) {
	if r.stream == nil {
		r.notFound(w)
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("kind"))
	if topic == "" {
		topic = ws.TopicAll
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.stream.Register(topic, client)
	r.logger.Info("outcome subscriber connected", "topic", topic, "remote", req.RemoteAddr)
	go func() {
		defer func() {
			r.stream.Unregister(topic, client)
			client.Close()
		}()
		client.Wait()
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case status >= 500:
			r.logger.Error("http request", fields...)
		case status >= 400:
			r.logger.Warn("http request", fields...)
		default:
			r.logger.Debug("http request", fields...)
		}
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}
