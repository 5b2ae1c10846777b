package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ragstack/gateway/internal/config"
	"github.com/ragstack/gateway/internal/logging"
)

// Server runs the gateway behind an HTTP listener with graceful shutdown
// and config file watching.
type Server struct {
	gateway    *Gateway
	httpServer *http.Server
	watcher    *config.Watcher
	cfg        *config.Config
}

// NewServer creates a server. configPath, when non-empty, is watched for
// changes; edits to service active flags apply without a restart.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway: gw,
		cfg:     cfg,
		httpServer: &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           gw.Handler(),
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		},
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			return nil, err
		}
		watcher.OnChange(gw.ApplyConfig)
		s.watcher = watcher
	}

	return s, nil
}

// Run starts the server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	s.gateway.Start()

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logging.Warn("config watcher failed to start", zap.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info("shutting down", zap.String("signal", sig.String()))
		return s.Shutdown(s.shutdownTimeout())
	}
}

// Shutdown drains in-flight requests, then stops background work.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logging.Warn("config watcher stop error", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("http server shutdown error", zap.Error(err))
		return err
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("gateway close error", zap.Error(err))
		return err
	}

	logging.Info("shutdown complete")
	return nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}
