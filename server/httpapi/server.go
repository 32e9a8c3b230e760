package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/logger"
	"github.com/migadu/mop3/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultMetricsPath = "/metrics"

// Server exposes Prometheus metrics and a health endpoint.
type Server struct {
	addr         string
	metricsPath  string
	allowedHosts []string
	backend      string
	breakerState func() string
	listeners    map[string]server.ConnectionStatsProvider
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP server
type ServerOptions struct {
	Addr         string
	MetricsPath  string
	AllowedHosts []string // IPs or CIDR blocks, empty allows everyone
	Backend      string
	// BreakerState reports the circuit breaker of the social network client,
	// "open" marks the gateway as degraded.
	BreakerState func() string
	// Listeners maps a protocol name to its server for connection counts.
	Listeners map[string]server.ConnectionStatsProvider
}

// New creates a new HTTP server
func New(options ServerOptions) (*Server, error) {
	if options.Addr == "" {
		return nil, fmt.Errorf("%w: metrics address is required", consts.ErrInvalidConfig)
	}
	path := options.MetricsPath
	if path == "" {
		path = DefaultMetricsPath
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: metrics path must start with '/': %q", consts.ErrInvalidConfig, path)
	}
	for _, h := range options.AllowedHosts {
		if strings.Contains(h, "/") {
			if _, _, err := net.ParseCIDR(h); err != nil {
				return nil, fmt.Errorf("%w: invalid CIDR %q", consts.ErrInvalidConfig, h)
			}
		}
	}

	return &Server{
		addr:         options.Addr,
		metricsPath:  path,
		allowedHosts: options.AllowedHosts,
		backend:      options.Backend,
		breakerState: options.BreakerState,
		listeners:    options.Listeners,
	}, nil
}

// Start runs the HTTP server until ctx is cancelled.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	s, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP server: %w", err)
		return
	}

	logger.Info("Starting metrics server", "addr", s.addr, "path", s.metricsPath)
	if err := s.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle(s.metricsPath, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !s.hostAllowed(clientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hostAllowed(ip string) bool {
	parsed := net.ParseIP(ip)
	for _, allowed := range s.allowedHosts {
		if allowed == ip {
			return true
		}
		if strings.Contains(allowed, "/") && parsed != nil {
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && cidr.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

// clientIP returns the peer address. Forwarding headers are ignored since
// the endpoint is meant to be scraped directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type connectionStats struct {
	Total         int64 `json:"total"`
	Authenticated int64 `json:"authenticated"`
}

type healthResponse struct {
	Status         string                     `json:"status"`
	Version        string                     `json:"version"`
	Backend        string                     `json:"backend,omitempty"`
	CircuitBreaker string                     `json:"circuit_breaker,omitempty"`
	Connections    map[string]connectionStats `json:"connections"`
}

// handleHealth reports 200 while the social network is reachable and 503
// while the circuit breaker is open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Version:     consts.Version,
		Backend:     s.backend,
		Connections: make(map[string]connectionStats, len(s.listeners)),
	}
	for name, l := range s.listeners {
		resp.Connections[name] = connectionStats{
			Total:         l.GetTotalConnections(),
			Authenticated: l.GetAuthenticatedConnections(),
		}
	}

	status := http.StatusOK
	if s.breakerState != nil {
		resp.CircuitBreaker = s.breakerState()
		if resp.CircuitBreaker == "open" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
