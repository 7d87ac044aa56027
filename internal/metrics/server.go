package metrics

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr is where the metrics endpoint binds unless configured.
const DefaultAddr = "0.0.0.0:9090"

// Server exposes a collector's registry over HTTP: /metrics in the
// Prometheus text format, /health for liveness probes.
type Server struct {
	addr string
	col  *Collector

	ln  net.Listener
	srv *http.Server
}

// NewServer prepares an HTTP exporter for the collector. An empty addr
// selects DefaultAddr. Nothing is bound until Start.
func NewServer(addr string, col *Collector) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{addr: addr, col: col}
}

// Start binds the listen address and begins serving in the background.
// Bind failures (port taken, bad address) are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.col.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>sessionwatch</title></head><body><h1>sessionwatch</h1><p><a href="/metrics">Metrics</a></p></body></html>`)
	})

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded. Useful when
// the configured port was 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
