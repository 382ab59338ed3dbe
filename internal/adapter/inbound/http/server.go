package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/relaygate/internal/domain/ratelimit"
)

const shutdownTimeout = 10 * time.Second

// SessionHandler serves WebSocket sessions and closes them on shutdown.
type SessionHandler interface {
	http.Handler
	Shutdown(ctx context.Context) error
}

// Server is the gateway's HTTP listener.
type Server struct {
	sessions      SessionHandler
	registry      *prometheus.Registry
	addr          string
	certFile      string
	keyFile       string
	healthChecker *HealthChecker
	logger        *slog.Logger
	metrics       *Metrics
	limiter       ratelimit.Limiter
	admission     ratelimit.Policy

	server *http.Server
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithAdmissionLimit limits new sessions per client address on /ws.
func WithAdmissionLimit(limiter ratelimit.Limiter, policy ratelimit.Policy) Option {
	return func(s *Server) {
		s.limiter = limiter
		s.admission = policy
	}
}

// NewServer creates the HTTP server. reg is served on /metrics and also
// receives the HTTP request metrics.
func NewServer(sessions SessionHandler, reg *prometheus.Registry, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		registry: reg,
		addr:     "127.0.0.1:8080",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = NewMetrics(reg)
	if s.healthChecker == nil {
		s.healthChecker = NewHealthChecker(nil, nil, "")
	}
	return s
}

// Handler builds the routed handler.
//
// Middleware order (outermost first): Metrics, RequestID, MethodGuard, route.
// /ws additionally passes the admission limit, when set, before the upgrade.
func (s *Server) Handler() http.Handler {
	route := func(name string, h http.Handler) http.Handler {
		h = MethodGuard(http.MethodGet)(h)
		h = RequestIDMiddleware(s.logger)(h)
		return MetricsMiddleware(s.metrics, name)(h)
	}

	var sessions http.Handler = s.sessions
	if s.limiter != nil {
		sessions = AdmissionMiddleware(s.limiter, s.admission)(sessions)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", route("/ws", sessions))
	mux.Handle("/health", route("/health", s.healthChecker.Handler()))
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	return mux
}

// Start accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsEnabled := s.certFile != "" && s.keyFile != ""
	if tlsEnabled {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsEnabled {
			s.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
			err = s.server.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// shutdown stops accepting requests, then closes every open session.
// Hijacked WebSocket connections are not tracked by http.Server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if serr := s.sessions.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}
