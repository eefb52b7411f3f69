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
	"golang.org/x/sync/errgroup"

	"github.com/edgegate/edgegate/internal/logging"
)

// Server runs the gateway behind an HTTP server with signal-driven
// lifecycle: SIGINT/SIGTERM shut down gracefully, SIGHUP reloads the
// persisted dynamic state.
type Server struct {
	gw   *Gateway
	http *http.Server
}

// NewServer builds the server from the gateway's configuration.
func NewServer(gw *Gateway) *Server {
	cfg := gw.cfg.Server
	return &Server{
		gw: gw,
		http: &http.Server{
			Addr:              cfg.Address,
			Handler:           gw.Handler(),
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
}

// Run serves until ctx is cancelled or a termination signal arrives, then
// drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.gw.Start()
	defer s.gw.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logging.Info("gateway listening", zap.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := s.gw.Reload(context.Background()); err != nil {
					logging.Error("reload failed", zap.Error(err))
				}
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logging.Info("shutting down")
		return s.http.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
