package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ServerOptions configures NewServer. Zero values take defaults.
type ServerOptions struct {
	Maps            MapStore
	RateLimitConfig *RateLimitConfig
	CORSOrigins     []string
	AdminToken      string
	WebSocket       WSConfig
	DisableLogging  bool
}

// Server is the HTTP API server with WebSocket support.
// It combines the HTTP router with WebSocket hub for real-time updates.
type Server struct {
	engine      EngineInterface
	router      *chi.Mux
	wsHub       *WebSocketHub
	rateLimiter *ClientLimiter
	httpServer  *http.Server
}

// NewServer creates the API server.
//
// IMPORTANT: Apart from the rate limiter's idle sweep, background workers
// do NOT start until Start() is called and no listener is opened, so tests
// can construct the server freely.
//
// For testing HTTP endpoints without WebSocket support, use NewRouter() directly.
func NewServer(engine EngineInterface, opts ServerOptions) *Server {
	rlCfg := DefaultRateLimitConfig
	if opts.RateLimitConfig != nil {
		rlCfg = *opts.RateLimitConfig
	}
	wsCfg := opts.WebSocket
	if wsCfg.AllowedOrigins == nil {
		wsCfg.AllowedOrigins = opts.CORSOrigins
	}

	s := &Server{
		engine:      engine,
		wsHub:       NewWebSocketHub(engine, wsCfg),
		rateLimiter: NewClientLimiter(rlCfg),
	}
	s.wsHub.limiter = s.rateLimiter

	s.router = NewRouter(RouterConfig{
		Engine:         engine,
		Maps:           opts.Maps,
		RateLimiter:    s.rateLimiter,
		Connections:    s.wsHub.Connections(),
		CORSOrigins:    opts.CORSOrigins,
		AdminToken:     opts.AdminToken,
		DisableLogging: opts.DisableLogging,
	})

	// The WebSocket route needs the hub instance, so it is not part of NewRouter.
	s.router.Get("/ws", s.wsHub.HandleWebSocket)

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start starts the hub and serves HTTP on addr until Shutdown.
// This is the ONLY method that starts the hub or opens network listeners.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.wsHub.Run()

	log.Printf("🌐 API server starting on %s", addr)
	log.Printf("🖼️ Debug frame: http://localhost%s/api/debug/frame.png", addr)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
// Use this in integration tests instead of calling Start().
//
// Example:
//
//	server := api.NewServer(engine, api.ServerOptions{})
//	ts := httptest.NewServer(server.Router())
//	defer ts.Close()
//	resp, _ := http.Get(ts.URL + "/api/state")
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Shutdown stops accepting requests, waits for in-flight ones (bounded by
// ctx) and stops the background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.wsHub.Stop()
	s.rateLimiter.Stop()
	return err
}
