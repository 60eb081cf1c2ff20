// Package gateway is the node's HTTP surface: webhook ingress, health,
// and the Prometheus metrics endpoint, behind per-IP rate limiting and
// request instrumentation.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg     *config.Config
	webhook http.Handler
	met     *metrics.Metrics
	limiter *ipLimiter

	httpServer *http.Server
	mux        *http.ServeMux
	done       chan struct{}
}

// NewServer creates the gateway. webhook may be nil when webhook ingress
// is not configured; the route then responds 404.
func NewServer(cfg *config.Config, webhook http.Handler, met *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		webhook: webhook,
		met:     met,
		limiter: newIPLimiter(cfg.Gateway.RateLimitGet, cfg.Gateway.RateLimitMutation),
		done:    make(chan struct{}),
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.Handle("/health", s.instrument("/health", http.HandlerFunc(s.handleHealth)))
	if s.met != nil {
		mux.Handle("/metrics", s.instrument("/metrics", s.met.Handler()))
	}
	if s.webhook != nil {
		mux.Handle("/webhooks/github", s.instrument("/webhooks/github", s.webhook))
	}

	s.mux = mux
	return mux
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepLoop()
	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		close(s.done)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.limiter.sweep()
		}
	}
}

// instrument wraps a route with per-IP rate limiting and request
// metrics. Mutating methods draw from the smaller mutation budget.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutation := r.Method != http.MethodGet && r.Method != http.MethodHead
		if !s.limiter.allow(clientIP(r), mutation) {
			s.record(r.Method, route, http.StatusTooManyRequests, 0)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.record(r.Method, route, sw.status, time.Since(start))
	})
}

func (s *Server) record(method, route string, status int, elapsed time.Duration) {
	if s.met == nil {
		return
	}
	code := strconv.Itoa(status)
	s.met.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	if elapsed > 0 {
		s.met.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","agent_id":%q}`, s.cfg.Node.AgentID)
}
