// Package health exposes the HTTP health endpoint for container probes and
// hosts the Telegram webhook when one is configured.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"tg_classifier_bot/internal/domain"
	"tg_classifier_bot/internal/logging"
)

const (
	storeCheckTimeout  = 2 * time.Second
	readHeaderTimeout  = 2 * time.Second
	healthListenPrefix = ":"
)

// StoreChecker is the credential store surface the health endpoint reports on.
type StoreChecker interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (domain.Stats, error)
}

// SessionCounter reports users with an unfinished flow.
type SessionCounter interface {
	Pending() int
}

// Option customizes a Server.
type Option func(*Server)

// WithTLS serves HTTPS with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithSessionCounter adds the pending session count to the response.
func WithSessionCounter(counter SessionCounter) Option {
	return func(s *Server) {
		s.sessions = counter
	}
}

// WithStartTime sets the reference for the reported uptime.
func WithStartTime(t time.Time) Option {
	return func(s *Server) {
		if !t.IsZero() {
			s.started = t
		}
	}
}

// Server hosts the health endpoint and owns the underlying HTTP server.
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	logger   *logrus.Entry
	store    StoreChecker
	sessions SessionCounter
	started  time.Time

	certFile string
	keyFile  string
}

type response struct {
	Status          string `json:"status"`
	Store           string `json:"store,omitempty"`
	Users           *int64 `json:"users,omitempty"`
	Authenticated   *int64 `json:"authenticated,omitempty"`
	PendingSessions *int   `json:"pending_sessions,omitempty"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// NewServer constructs a health server that exposes GET /healthz on the provided port.
func NewServer(port int, store StoreChecker, logger *logrus.Entry, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger:  logger,
		store:   store,
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}

	srv.mux.HandleFunc("/healthz", srv.handleHealth)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf("%s%d", healthListenPrefix, port),
		Handler:           srv.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// Handle mounts an extra handler, such as the Telegram webhook, on the server.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	tls := s.certFile != "" && s.keyFile != ""

	s.logger.WithFields(logging.Fields{
		"event": "health_listen",
		"addr":  s.server.Addr,
		"tls":   tls,
	}).Info("starting health server")

	var err error
	if tls {
		err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server listen: %w", err)
	}

	s.logger.WithField("event", "health_stopped").Info("health server stopped")
	return nil
}

// Shutdown gracefully stops the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := response{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	ctx := r.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if s.store == nil {
		resp.Status = "degraded"
		resp.Store = "error"
		s.logger.WithField("event", "health_store_missing").Warn("store checker is not configured for health endpoint")
	} else {
		checkCtx, cancel := context.WithTimeout(ctx, storeCheckTimeout)
		defer cancel()

		if err := s.store.Ping(checkCtx); err != nil {
			resp.Status = "degraded"
			resp.Store = "error"
			s.logger.WithField("event", "health_store_error").WithError(err).Warn("store ping failed during health check")
		} else if stats, err := s.store.Count(checkCtx); err != nil {
			s.logger.WithField("event", "health_stats_error").WithError(err).Warn("store count failed during health check")
		} else {
			resp.Users = &stats.Users
			resp.Authenticated = &stats.Authenticated
		}
	}

	if s.sessions != nil {
		pending := s.sessions.Pending()
		resp.PendingSessions = &pending
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}
