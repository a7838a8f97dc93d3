// ABOUTME: Top-level gateway composition root
// ABOUTME: Owns the store, state backend, router, sweeper, and HTTP server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/relay-gateway/internal/admission"
	"github.com/2389/relay-gateway/internal/approval"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/state"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/worker"
)

// Gateway owns every long-lived component and their shutdown order.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	states  state.Store
	gate    *admission.Gate
	tracker *approval.Tracker
	sweeper *approval.Sweeper
	router  *Router
	server  *http.Server
}

// New builds a gateway from configuration. Nothing starts running until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	states, err := state.Open(cfg.State, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening state backend: %w", err)
	}

	gate := admission.NewGate(db, logger)
	tracker := approval.NewTracker(states, logger)
	sweeper := approval.NewSweeper(tracker, db, cfg.Approvals.TTL, cfg.Approvals.SweepInterval, logger)
	wc := worker.NewClient(cfg.Worker.URL, cfg.Worker.Timeout, db, logger)
	router := NewRouter(gate, tracker, wc, db, states, cfg.Approvals.MaxChain, logger)

	g := &Gateway{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		store:   db,
		states:  states,
		gate:    gate,
		tracker: tracker,
		sweeper: sweeper,
		router:  router,
	}
	g.server = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Router exposes the message router for embedding channel adapters.
func (g *Gateway) Router() *Router {
	return g.router
}

// Run starts the HTTP server and the approval sweeper and blocks until ctx is
// cancelled or the server fails, then shuts everything down in order.
func (g *Gateway) Run(ctx context.Context) error {
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go g.sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown incomplete", "error", err)
	}
	return g.Close()
}

// Close releases all resources. Safe after a failed New-phase partial start.
func (g *Gateway) Close() error {
	g.router.Close()

	var errs []error
	if err := g.states.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing state backend: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
