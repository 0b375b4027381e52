// Package server wires the waterwheel components together and runs them
// until shutdown: the trigger scheduler, the token processor, the
// progress ingester, and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/waterwheel-org/waterwheel/internal/bus"
	"github.com/waterwheel-org/waterwheel/internal/config"
	"github.com/waterwheel-org/waterwheel/internal/logger"
	"github.com/waterwheel-org/waterwheel/internal/postgres"
	"github.com/waterwheel-org/waterwheel/internal/postoffice"
	"github.com/waterwheel-org/waterwheel/internal/progress"
	"github.com/waterwheel-org/waterwheel/internal/scheduler"
	"github.com/waterwheel-org/waterwheel/internal/server/api"
	"github.com/waterwheel-org/waterwheel/internal/tokens"
)

const shutdownTimeout = 10 * time.Second

// Server is the waterwheel server process.
type Server struct {
	cfg *config.Config
}

// New builds a server from its configuration.
func New(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts every component and blocks until the context is cancelled
// or a component trips its failure breaker.
func (s *Server) Run(ctx context.Context) error {
	pool, err := postgres.Connect(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if !s.cfg.NoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	// There must be exactly one live scheduler per database: two would
	// double-fire triggers. Fail fast instead of queueing behind the
	// holder.
	lock, err := postgres.AcquireSchedulerLock(ctx, pool)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))

	b, err := bus.Connect(ctx, s.cfg.BusURL)
	if err != nil {
		return err
	}
	defer b.Close()

	store := postgres.NewStore(pool)
	po := postoffice.New()

	sched := scheduler.New(store, po)
	processor := tokens.NewProcessor(store, b, po)
	ingester := progress.NewIngester(store, b, po)

	httpServer := &http.Server{
		Addr:              s.cfg.ServerBind,
		Handler:           api.New(store, po).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(ctx, "server starting",
		"bind", s.cfg.ServerBind, "bus", s.cfg.BusURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(supervise("scheduler", sched.Run).bind(gctx))
	g.Go(supervise("token processor", processor.Run).bind(gctx))
	g.Go(supervise("progress ingester", ingester.Run).bind(gctx))

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info(ctx, "server stopped")
	return err
}

// bind adapts the supervisor to errgroup's thunk signature.
func (s *supervisor) bind(ctx context.Context) func() error {
	return func() error { return s.Run(ctx) }
}
