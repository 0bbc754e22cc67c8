package icbgw

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionStatus is the externally visible view of one side.
type SessionStatus struct {
	State    string `json:"state"`
	Server   string `json:"server"`
	Channel  string `json:"channel"`
	Nickname string `json:"nickname"`
}

// Status is the body served at /status.
type Status struct {
	Ready bool          `json:"ready"`
	ICB   SessionStatus `json:"icb"`
	IRC   SessionStatus `json:"irc"`
}

func sessionStatus(s *Session) SessionStatus {
	cfg := s.Config()
	return SessionStatus{
		State:    s.State().String(),
		Server:   cfg.Addr(),
		Channel:  cfg.Channel,
		Nickname: cfg.Nickname,
	}
}

// Status returns a snapshot of both sides.
func (r *Relay) Status() Status {
	return Status{
		Ready: r.Ready(),
		ICB:   sessionStatus(r.icb),
		IRC:   sessionStatus(r.irc),
	}
}

// StatusHandler serves /healthz, /status and, when g is non-nil, /metrics.
// Read-only endpoints answer cross-origin GETs so dashboards can poll them.
func StatusHandler(r *Relay, g prometheus.Gatherer) http.Handler {
	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		MaxAge:         300,
	}))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !r.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	router.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Status())
	})

	if g != nil {
		router.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	return router
}

// StatusServer serves the status handler over HTTP.
type StatusServer struct {
	listener        net.Listener
	srv             *http.Server
	logger          Logger
	shutdownTimeout time.Duration

	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// StatusServerOption configures a StatusServer.
type StatusServerOption func(*StatusServer)

// StatusLoggerOption sets the logger for the status server.
func StatusLoggerOption(logger Logger) StatusServerOption {
	return func(s *StatusServer) {
		s.logger = logger
	}
}

// StatusShutdownTimeoutOption sets how long in-flight requests get to finish
// once the serving context is canceled. Default is 0 (immediate shutdown).
func StatusShutdownTimeoutOption(timeout time.Duration) StatusServerOption {
	return func(s *StatusServer) {
		s.shutdownTimeout = timeout
	}
}

// NewStatusServer binds addr. Returns an error if the address cannot be bound.
func NewStatusServer(addr string, handler http.Handler, opts ...StatusServerOption) (*StatusServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &StatusServer{
		listener:    listener,
		srv:         &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve serves requests until ctx is canceled or Close is called.
func (s *StatusServer) Serve(ctx context.Context) error {
	s.logger.Info("status server started", "addr", s.listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdownNow:
			return
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		go func() {
			select {
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
				cancel()
			case <-shutdownCtx.Done():
			}
		}()

		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			_ = s.srv.Close()
		}
	}()

	err := s.srv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		s.logger.Info("status server stopped", "addr", s.listener.Addr().String())
		return ctx.Err()
	}
	s.logger.Error("status server error", "error", err)
	return err
}

// Close stops the server immediately.
func (s *StatusServer) Close() error {
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}
	return s.srv.Close()
}

// Addr returns the listener's network address.
func (s *StatusServer) Addr() net.Addr {
	return s.listener.Addr()
}
