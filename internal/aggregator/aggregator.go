// Package aggregator periodically turns the latest order book snapshot of
// every market into a persisted true price.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/metrics"
	"github.com/rewired-gh/polyscore/internal/models"
	"github.com/rewired-gh/polyscore/internal/pricing"
	"github.com/rewired-gh/polyscore/internal/storage"
)

// Store is the persistence the scheduler needs.
type Store interface {
	AllMarkets(ctx context.Context) ([]models.Market, error)
	WithSession(ctx context.Context, fn func(*storage.Session) error) error
}

// PriceCache receives every committed true price. Failures are logged only.
type PriceCache interface {
	PutTruePrice(ctx context.Context, rec models.TruePriceRecord) error
}

// Config controls the loop.
type Config struct {
	Interval       time.Duration
	RetryDelay     time.Duration
	MaxConcurrency int
	// OnCycle, if set, is called after every cycle with its error.
	OnCycle func(err error)
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Markets int
	Written int
	Skipped int
	Failed  int
}

// Scheduler runs aggregation cycles.
type Scheduler struct {
	store   Store
	cache   PriceCache
	metrics *metrics.Recorder
	cfg     Config
}

// New creates a scheduler. cache and rec may be nil.
func New(store Store, cache PriceCache, rec *metrics.Recorder, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Scheduler{store: store, cache: cache, metrics: rec, cfg: cfg}
}

// Run loops until ctx is cancelled. A failed cycle waits RetryDelay instead
// of Interval.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("Starting aggregator (interval: %v, concurrency: %d)", s.cfg.Interval, s.cfg.MaxConcurrency)
	for {
		_, err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			logger.Info("Aggregator stopped")
			return nil
		}
		if s.cfg.OnCycle != nil {
			s.cfg.OnCycle(err)
		}

		wait := s.cfg.Interval
		if err != nil {
			logger.Error("Aggregation cycle failed: %v", err)
			wait = s.cfg.RetryDelay
		}

		select {
		case <-ctx.Done():
			logger.Info("Aggregator stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunCycle processes every market once. The returned error covers listing
// failures only; per-market failures are logged and counted in the result.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()

	markets, err := s.store.AllMarkets(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list markets: %w", err)
		s.metrics.ObserveCycle(metrics.LoopAggregator, time.Since(start), err)
		return CycleResult{}, err
	}

	var written, skipped, failed atomic.Int32
	p := pool.New().WithErrors().WithMaxGoroutines(s.cfg.MaxConcurrency)
	for _, m := range markets {
		marketID := m.ID
		p.Go(func() error {
			ok, err := s.processMarket(ctx, marketID)
			switch {
			case err != nil && errors.Is(err, models.ErrValidation):
				skipped.Add(1)
				s.metrics.Unit(metrics.LoopAggregator, metrics.OutcomeSkipped)
				logger.Warn("Skipping market %s: %v", marketID, err)
				return nil
			case err != nil:
				failed.Add(1)
				s.metrics.Unit(metrics.LoopAggregator, metrics.OutcomeFailed)
				return fmt.Errorf("market %s: %w", marketID, err)
			case ok:
				written.Add(1)
				s.metrics.Unit(metrics.LoopAggregator, metrics.OutcomeWritten)
			default:
				skipped.Add(1)
				s.metrics.Unit(metrics.LoopAggregator, metrics.OutcomeSkipped)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		logger.Error("Aggregation failures: %v", err)
	}

	res := CycleResult{
		Markets: len(markets),
		Written: int(written.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	s.metrics.ObserveCycle(metrics.LoopAggregator, time.Since(start), nil)
	logger.Debug("Aggregation cycle done in %v: %d markets, %d written, %d skipped, %d failed",
		time.Since(start).Round(time.Millisecond), res.Markets, res.Written, res.Skipped, res.Failed)
	return res, nil
}

// processMarket reports whether a record was written.
func (s *Scheduler) processMarket(ctx context.Context, marketID string) (written bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			written = false
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var rec models.TruePriceRecord
	err = s.store.WithSession(ctx, func(sess *storage.Session) error {
		snap, err := sess.LatestSnapshot(ctx, marketID)
		if err != nil {
			return err
		}
		if snap == nil {
			logger.Debug("No snapshot for market %s", marketID)
			return nil
		}

		book, err := models.DecodeOrderBook(snap.RawData)
		if err != nil {
			return err
		}

		truePrice := pricing.TruePrice(book.Bids, book.Asks)
		if math.IsNaN(truePrice) || math.IsNaN(snap.MidPrice) {
			logger.Debug("No price for market %s (true=%v, mid=%v)", marketID, truePrice, snap.MidPrice)
			return nil
		}

		rec = models.TruePriceRecord{
			MarketID:  marketID,
			Timestamp: time.Now(),
			Value:     truePrice,
			MidPrice:  snap.MidPrice,
		}
		if err := sess.AppendTruePrice(ctx, &rec); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !written {
		return false, nil
	}

	s.metrics.TruePrice(marketID, rec.Value)
	if s.cache != nil {
		if err := s.cache.PutTruePrice(ctx, rec); err != nil {
			logger.Warn("Failed to cache true price for market %s: %v", marketID, err)
		}
	}
	return true, nil
}
