package fakeremote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

// Server is an in-process WebDriver BiDi remote end. It renders data: URL
// documents instead of web pages, which is enough to exercise the harness.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	browser  *Browser
	upgrader websocket.Upgrader

	mu     sync.Mutex
	delays map[string]time.Duration
	calls  map[string]int

	connsMu sync.Mutex
	conns   map[*conn]struct{}
}

// NewServer creates a fake remote listening on port once started
func NewServer(port string) *Server {
	s := &Server{
		browser: NewBrowser(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		delays: make(map[string]time.Duration),
		calls:  make(map[string]int),
		conns:  make(map[*conn]struct{}),
	}

	router := chi.NewRouter()

	// Middleware
	router.Use(RecoveryMiddleware)
	router.Use(middleware.RequestID)
	router.Use(LoggingMiddleware)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/session", s.handleSession)
	router.Get("/json/version", s.handleVersion)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router = router
	s.server = &http.Server{
		Addr:        ":" + port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the router, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDelay holds every command of the given method for d before answering it
func (s *Server) SetDelay(method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[method] = d
}

func (s *Server) delay(method string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delays[method]
}

// Calls returns how many commands of the given method were received
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) countCall(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(s, ws)
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	slog.Info("client connected", "remote_addr", r.RemoteAddr)

	c.serve()

	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()

	slog.Info("client disconnected", "remote_addr", r.RemoteAddr)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"Browser":              "FakeRemote/1.0",
		"Protocol-Version":     "1.3",
		"User-Agent":           "bidi-harness fakeremote",
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/session", r.Host),
	})
}

func (s *Server) emit(method string, params any) {
	frame := eventFrame{Type: "event", Method: method, Params: params}

	s.connsMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		if c.subscribed(method) {
			c.write(frame)
		}
	}
}

func (s *Server) emitAll(events []pendingEvent) {
	for _, e := range events {
		s.emit(e.method, e.params)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting fake remote", "addr", s.server.Addr)

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting connections and closes the open websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down fake remote")

	// Hijacked websocket connections are not tracked by http.Server
	s.CloseConnections()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	slog.Info("fake remote stopped")
	return nil
}

// CloseConnections drops every connected client
func (s *Server) CloseConnections() {
	s.connsMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
