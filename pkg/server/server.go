// Package server exposes chat sessions over websocket. Each connection on
// the chat path gets its own session pipeline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/minima/chatbridge/pkg/config"
	"github.com/minima/chatbridge/pkg/engine"
	"github.com/minima/chatbridge/pkg/logger"
	"github.com/minima/chatbridge/pkg/metrics"
	"github.com/minima/chatbridge/pkg/protocol"
	"github.com/minima/chatbridge/pkg/session"
)

type liveSession struct {
	session   *session.Session
	transport *wsTransport
}

type Server struct {
	cfg      *config.Config
	engine   engine.Engine
	metrics  *metrics.Metrics
	decoder  *protocol.Decoder
	upgrader websocket.Upgrader
	topts    transportOptions

	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	sessions map[string]liveSession
	closing  bool
	wg       sync.WaitGroup
}

func New(cfg *config.Config, eng engine.Engine, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		metrics: m,
		decoder: protocol.NewDecoder(cfg.Protocol.LegacyControlTokens),
		topts: transportOptions{
			readLimit:    cfg.Server.ReadLimitBytes,
			writeTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
			pingInterval: time.Duration(cfg.Server.PingIntervalSec) * time.Second,
		},
		baseCtx:    ctx,
		cancelBase: cancel,
		sessions:   make(map[string]liveSession),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
	}
	return s
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return func(r *http.Request) bool {
		if set["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Server.Path, s.handleChat)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// ListenAndServe blocks until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.InfoCF("server", "Listening", map[string]any{
		"addr": srv.Addr,
		"path": s.cfg.Server.Path,
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	tr := newWSTransport(w, r, &s.upgrader, s.topts)
	sess := session.New(id, tr, session.Options{
		Engine:  s.engine,
		Decoder: s.decoder,
		Metrics: s.metrics,
	})

	if !s.register(id, liveSession{session: sess, transport: tr}) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unregister(id)

	logger.InfoCF("server", "Client connected", map[string]any{
		"session_id": id,
		"remote":     r.RemoteAddr,
	})

	if err := sess.Run(s.baseCtx); err != nil {
		logger.WarnCF("server", "Session ended with error", map[string]any{
			"session_id": id,
			"error":      err.Error(),
		})
	}
	_ = tr.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.ActiveSessions(),
	})
}

func (s *Server) register(id string, ls liveSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[id] = ls
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) snapshot() []liveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		out = append(out, ls)
	}
	return out
}

// Shutdown stops accepting connections and closes every live one, which
// makes each session wind down through its own disconnect path. Sessions
// still running when ctx expires are aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			logger.WarnCF("server", "HTTP shutdown", map[string]any{"error": err.Error()})
		}
	}

	live := s.snapshot()
	logger.InfoCF("server", "Closing sessions", map[string]any{"count": len(live)})
	for _, ls := range live {
		_ = ls.transport.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		for _, ls := range s.snapshot() {
			ls.session.Abort()
		}
		s.cancelBase()
		return ctx.Err()
	}
}
