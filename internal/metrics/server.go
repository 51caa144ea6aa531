package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"exploitwatch/internal/breaker"
	"exploitwatch/internal/version"
)

// HealthFunc reports per-source breaker health for /healthz.
type HealthFunc func() []breaker.Health

// Server serves /metrics and /healthz.
type Server struct {
	router *mux.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the ops endpoint. path defaults to /metrics.
func NewServer(addr, path string, rec *Recorder, health HealthFunc, logger zerolog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	s := &Server{
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "ops_server").Logger(),
	}
	if reg := rec.Registry(); reg != nil {
		s.router.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", healthHandler(health)).Methods(http.MethodGet)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run listens until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("ops endpoint listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type healthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Sources []breaker.Health `json:"sources,omitempty"`
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Version: version.Version}
		if health != nil {
			resp.Sources = health()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
