// Package server exposes the router over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/inferroute/pkg/bandit"
	"github.com/zen-systems/inferroute/pkg/budget"
	"github.com/zen-systems/inferroute/pkg/catalog"
	"github.com/zen-systems/inferroute/pkg/dispatch"
	"github.com/zen-systems/inferroute/pkg/health"
	"github.com/zen-systems/inferroute/pkg/metrics"
	"github.com/zen-systems/inferroute/pkg/policy"
	"github.com/zen-systems/inferroute/pkg/savings"
	"github.com/zen-systems/inferroute/pkg/store"
)

// Options wires a Server.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Catalog    *catalog.Catalog
	Health     *health.Tracker
	Budget     *budget.Ledger
	Bandit     *bandit.Router
	// Savings is reported on /v1/status. It should be registered as an
	// observer on Dispatcher.
	Savings *savings.Tracker
	// Store receives periodic snapshots while Run is active. Optional.
	Store            store.Store
	SnapshotInterval time.Duration

	// Credentials are server-held provider keys. Keys sent with a request
	// take precedence.
	Credentials map[string]string
	Privacy     policy.PrivacyMode
	Region      policy.Region

	// JWTSecret enables HMAC bearer authentication when set.
	JWTSecret string
	// RateLimit is the per-account request rate per second. Zero disables it.
	RateLimit float64

	Logger *zap.Logger
}

// Server serves the routing API.
type Server struct {
	opts     Options
	logger   *zap.Logger
	validate *validator.Validate
	limiter  *accountLimiter
	handler  http.Handler
}

// New validates opts and builds the HTTP handler.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Dispatcher == nil:
		return nil, errors.New("server: dispatcher is required")
	case opts.Catalog == nil, opts.Health == nil, opts.Budget == nil, opts.Bandit == nil:
		return nil, errors.New("server: catalog, health, budget and bandit are required")
	}
	if opts.Savings == nil {
		opts.Savings = savings.New()
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = time.Minute
	}
	if opts.Privacy == "" {
		opts.Privacy = policy.PrivacyEnhanced
	}
	if opts.Region == "" {
		opts.Region = policy.RegionAny
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		opts:     opts,
		logger:   logger,
		validate: validator.New(),
		limiter:  newAccountLimiter(opts.RateLimit),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	metrics.Register()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-ID", "X-Request-ID"},
		ExposedHeaders:   []string{headerCost, headerSavings, headerBaseline, headerTaskType, headerProvider, headerFailover},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/status", s.handleStatus)
		r.Get("/arms", s.handleArms)
		r.Post("/classify", s.handleClassify)
		r.With(s.rateLimit).Post("/route", s.handleRoute)
	})
	return r
}

// Run serves on addr until ctx is done, saving snapshots to the store on
// an interval and once more on shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.opts.Store != nil {
		g.Go(func() error {
			return s.snapshotLoop(ctx)
		})
	}
	return g.Wait()
}

func (s *Server) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Snapshot(saveCtx)
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil {
				s.logger.Warn("snapshot failed", zap.Error(err))
			}
		}
	}
}

// Snapshot saves the current learning state to the configured store.
func (s *Server) Snapshot(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	snap := s.state().Capture(time.Now())
	if err := s.opts.Store.Save(ctx, snap); err != nil {
		return err
	}
	s.logger.Debug("snapshot saved",
		zap.Int("posteriors", len(snap.Posteriors)),
		zap.Int("providers", len(snap.Health)),
		zap.Int("accounts", len(snap.Budget)))
	return nil
}

func (s *Server) state() store.State {
	return store.State{Bandit: s.opts.Bandit, Health: s.opts.Health, Budget: s.opts.Budget}
}
