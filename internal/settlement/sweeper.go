package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/atmx/orderbook-engine/internal/model"
	"github.com/atmx/orderbook-engine/internal/store"
)

// Sweeper periodically settles every resolved market.
type Sweeper struct {
	engine   *Engine
	store    store.Store
	interval time.Duration
	workers  int
	logger   *slog.Logger

	// OnSettled, if set, is called for every successful settlement.
	OnSettled func(Result)
}

// NewSweeper creates a sweeper settling up to workers markets in parallel.
func NewSweeper(engine *Engine, st store.Store, interval time.Duration, workers int, logger *slog.Logger) *Sweeper {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   engine,
		store:    st,
		interval: interval,
		workers:  workers,
		logger:   logger,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("settlement sweeper started", "interval", s.interval.String(), "workers", s.workers)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settlement sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep settles all markets currently resolved and returns their results.
func (s *Sweeper) Sweep(ctx context.Context) []Result {
	markets, err := s.store.ListMarkets(ctx, model.MarketStatusResolved)
	if err != nil {
		s.logger.Error("list resolved markets", "err", err)
		return nil
	}
	if len(markets) == 0 {
		return nil
	}

	p := pool.NewWithResults[Result]().WithMaxGoroutines(s.workers)
	for _, m := range markets {
		id := m.ID
		p.Go(func() Result {
			res := s.engine.Settle(ctx, id)
			if res.Success && s.OnSettled != nil {
				s.OnSettled(res)
			}
			return res
		})
	}
	return p.Wait()
}
