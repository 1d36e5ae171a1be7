// Package transport exposes the Engine over HTTP and WebSocket, adapted
// from the teacher's internal/api package: chi routing and a
// uuid/zap logging middleware, and a gorilla/websocket subscribe
// protocol in place of the teacher's single editable-query endpoint.
package transport

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liveset/liveset/internal/engine"
	"github.com/liveset/liveset/internal/logging"
	"github.com/liveset/liveset/pkg/idgen"
)

// Registry is the subset of the process wiring the transport layer
// needs: submitting subscriptions and driving admin lifecycle calls.
type Registry interface {
	Select(queryText string, params []any, keySelector engine.KeySelector, triggers []engine.Trigger, minInterval *time.Duration, sink engine.Sink) (*engine.Subscription, error)
	Pause() error
	Resume() error
}

// Server wires chi routes and the WebSocket subscribe endpoint onto a
// Registry.
type Server struct {
	registry Registry
	logger   *zap.Logger

	mu      sync.Mutex
	active  map[string]struct{} // subscription ids currently open, for the snapshot endpoint
}

// NewServer constructs a Server.
func NewServer(registry Registry, logger *zap.Logger) *Server {
	return &Server{
		registry: registry,
		logger:   logger,
		active:   make(map[string]struct{}),
	}
}

// Router builds the http.Handler exposing every endpoint in SPEC_FULL §6.3.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/queries", s.handleSnapshot)
	r.Post("/admin/pause", s.handlePause)
	r.Post("/admin/resume", s.handleResume)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		traceID := r.Header.Get("X-Request-ID")
		if traceID == "" {
			traceID = idgen.TraceID()
		}

		logger := s.logger.With(
			zap.String("trace_id", traceID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		ctx := logging.WithLogger(r.Context(), logger)
		r = r.WithContext(ctx)

		next.ServeHTTP(ww, r)

		logger.Info("http request complete",
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"subscriptions": ids})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeRequest is one inbound WebSocket control message.
type subscribeRequest struct {
	Type          string           `json:"type"`
	ID            string           `json:"id,omitempty"`
	SQL           string           `json:"sql,omitempty"`
	Params        []any            `json:"params,omitempty"`
	KeyTag        string           `json:"key_tag,omitempty"`
	Triggers      []triggerPayload `json:"triggers,omitempty"`
	MinIntervalMs int              `json:"min_interval_ms,omitempty"`
}

type triggerPayload struct {
	Database string `json:"database,omitempty"`
	Table    string `json:"table"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msgType string, payload any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(map[string]any{"type": msgType, "data": payload})
	}

	subs := make(map[string]*engine.Subscription) // client-chosen id -> subscription

	defer func() {
		for id, sub := range subs {
			sub.Stop()
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			_ = send("error", map[string]string{"error": "invalid json"})
			continue
		}

		switch strings.ToLower(req.Type) {
		case "subscribe":
			s.handleSubscribe(req, send, subs)
		case "unsubscribe":
			s.handleUnsubscribe(req, send, subs)
		default:
			_ = send("error", map[string]string{"error": "unknown message type"})
		}
	}
}

func (s *Server) handleSubscribe(req subscribeRequest, send func(string, any) error, subs map[string]*engine.Subscription) {
	if req.SQL == "" {
		_ = send("error", map[string]string{"error": "missing sql"})
		return
	}
	if req.ID == "" {
		req.ID = idgen.New()
	}

	triggers := make([]engine.Trigger, 0, len(req.Triggers))
	for _, t := range req.Triggers {
		triggers = append(triggers, engine.Trigger{Database: t.Database, Table: t.Table})
	}

	keyTag := req.KeyTag
	if keyTag == "" {
		keyTag = "default"
	}
	keySelector := engine.KeySelector{
		Tag:  keyTag,
		Func: func(row map[string]any) string { return "" },
	}

	var minInterval *time.Duration
	if req.MinIntervalMs > 0 {
		d := time.Duration(req.MinIntervalMs) * time.Millisecond
		minInterval = &d
	}

	sink := &wsSink{id: req.ID, send: send}
	sub, err := s.registry.Select(req.SQL, req.Params, keySelector, triggers, minInterval, sink)
	if err != nil {
		_ = send("error", map[string]string{"error": err.Error()})
		return
	}

	subs[req.ID] = sub
	s.mu.Lock()
	s.active[req.ID] = struct{}{}
	s.mu.Unlock()

	_ = send("subscribed", map[string]string{"id": req.ID})
}

func (s *Server) handleUnsubscribe(req subscribeRequest, send func(string, any) error, subs map[string]*engine.Subscription) {
	sub, ok := subs[req.ID]
	if !ok {
		_ = send("error", map[string]string{"error": "unknown subscription id"})
		return
	}
	sub.Stop()
	delete(subs, req.ID)
	s.mu.Lock()
	delete(s.active, req.ID)
	s.mu.Unlock()
	_ = send("unsubscribed", map[string]string{"id": req.ID})
}

// wsSink adapts one subscription's diff/error deliveries onto the
// WebSocket connection's outbound JSON messages.
type wsSink struct {
	id   string
	send func(string, any) error
}

func (s *wsSink) OnUpdate(diff engine.Diff, data []map[string]any) {
	_ = s.send("update", map[string]any{
		"id":   s.id,
		"diff": diff,
		"data": data,
	})
}

func (s *wsSink) OnError(err error) {
	_ = s.send("error", map[string]string{"id": s.id, "error": err.Error()})
}
