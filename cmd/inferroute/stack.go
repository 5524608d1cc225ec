package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/inferroute/pkg/adapter"
	"github.com/zen-systems/inferroute/pkg/bandit"
	"github.com/zen-systems/inferroute/pkg/budget"
	"github.com/zen-systems/inferroute/pkg/catalog"
	"github.com/zen-systems/inferroute/pkg/config"
	"github.com/zen-systems/inferroute/pkg/dispatch"
	"github.com/zen-systems/inferroute/pkg/health"
	"github.com/zen-systems/inferroute/pkg/metrics"
	"github.com/zen-systems/inferroute/pkg/redact"
	"github.com/zen-systems/inferroute/pkg/router"
	"github.com/zen-systems/inferroute/pkg/savings"
	"github.com/zen-systems/inferroute/pkg/store"
)

// stack is every long-lived component of a running router.
type stack struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	health     *health.Tracker
	ledger     *budget.Ledger
	bandit     *bandit.Router
	providers  *adapter.Registry
	savings    *savings.Tracker
	store      store.Store
	dispatcher *dispatch.Dispatcher
}

type stackOptions struct {
	// mock replaces every provider adapter with a local mock.
	mock bool
}

func buildStack(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts stackOptions) (*stack, error) {
	routing := cfg.RoutingConfig

	cat, err := catalog.New(routing)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalogue: %w", err)
	}

	loc, err := time.LoadLocation(routing.Budget.Location)
	if err != nil {
		return nil, fmt.Errorf("budget location: %w", err)
	}

	s := &stack{cfg: cfg, catalog: cat, savings: savings.New()}
	s.health = health.New(health.ConfigFromRouting(routing.Breaker),
		health.WithLogger(logger.Named("health")),
		health.WithTransitionHook(metrics.RecordTransition))
	s.ledger = budget.New(cfg.DailyBudgetUSD,
		budget.WithLocation(loc),
		budget.WithLogger(logger.Named("budget")))

	banditOpts := []bandit.Option{bandit.WithHealth(s.health), bandit.WithLogger(logger.Named("bandit"))}
	if cfg.Seed != 0 {
		banditOpts = append(banditOpts, bandit.WithSeed(cfg.Seed))
	}
	s.bandit = bandit.New(cat, banditOpts...)

	if opts.mock {
		s.providers = adapter.NewRegistry()
		for _, p := range cat.Providers() {
			if err := s.providers.Register(adapter.NewMockAdapter(p.Name)); err != nil {
				return nil, err
			}
		}
	} else {
		s.providers, err = adapter.NewCatalogRegistry(cat)
		if err != nil {
			return nil, fmt.Errorf("failed to create adapters: %w", err)
		}
	}

	s.store, err = store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	snap, err := s.store.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		logger.Warn("ignoring unreadable snapshot", zap.Error(err))
	default:
		if err := s.state().Apply(snap); err != nil {
			logger.Warn("ignoring snapshot", zap.Error(err))
		} else {
			metrics.SetBreakerStates(s.health.Snapshot())
			logger.Info("state restored",
				zap.Time("taken_at", snap.TakenAt),
				zap.Int("posteriors", len(snap.Posteriors)))
		}
	}

	s.dispatcher, err = dispatch.New(dispatch.Deps{
		Catalog:    cat,
		Classifier: router.NewClassifier(routing),
		Redactor:   redact.New(),
		Health:     s.health,
		Budget:     s.ledger,
		Bandit:     s.bandit,
		Providers:  s.providers,
		Routing:    routing,
	},
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithDefaults(cfg.PrivacyMode, cfg.Region),
		dispatch.WithObserver(s.savings),
		dispatch.WithObserver(metrics.Observer{}),
	)
	if err != nil {
		s.store.Close()
		return nil, err
	}
	return s, nil
}

func (s *stack) state() store.State {
	return store.State{Bandit: s.bandit, Health: s.health, Budget: s.ledger}
}

// persist saves a final snapshot and closes the store.
func (s *stack) persist(ctx context.Context) error {
	err := s.store.Save(ctx, s.state().Capture(time.Now()))
	return errors.Join(err, s.store.Close())
}
