package observability

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Server exposes the health and metrics endpoints over HTTP.
type Server struct {
	httpServer *http.Server
	addr       string
}

// NewServer creates an observability server bound to addr
// (e.g. ":9090").
func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

// Start starts the observability server. It blocks until the server
// stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("[OBSERVABILITY] Serving health and metrics on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
