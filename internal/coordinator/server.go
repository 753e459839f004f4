package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veloguard/veloguard/internal/queue"
)

const defaultShutdownTimeout = 10 * time.Second

type Config struct {
	Logger   *slog.Logger
	Store    Store
	Queue    queue.Publisher
	Registry prometheus.Registerer

	Clock           clockwork.Clock
	ShutdownTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Queue == nil {
		return errors.New("queue publisher is required")
	}
	if c.Registry == nil {
		return errors.New("metrics registry is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config

	handler *Handler

	httpSrv      *http.Server
	shutdownOnce sync.Once
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metrics := NewMetrics(cfg.Registry)
	svc, err := NewService(cfg.Logger, cfg.Store, cfg.Queue, cfg.Clock, metrics)
	if err != nil {
		return nil, err
	}
	h, err := NewHandler(cfg.Logger, svc, metrics)
	if err != nil {
		return nil, err
	}

	return &Server{log: cfg.Logger, cfg: cfg, handler: h}, nil
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	s.handler.Register(mux)

	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.log.Info("coordinator listening", "addr", listener.Addr().String())
	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(ctx)
		}
	})
}
