package rationality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/metrics"
	"github.com/rewired-gh/polyscore/internal/models"
	"github.com/rewired-gh/polyscore/internal/polymarket"
	"github.com/rewired-gh/polyscore/internal/storage"
)

var (
	// ErrUnresolved means the market has no outcome yet.
	ErrUnresolved = errors.New("market is not resolved")
	// ErrNonBinaryOutcome means the stored outcome is neither 0 nor 1.
	ErrNonBinaryOutcome = errors.New("market outcome is not binary")
)

// Store is the persistence the engine needs.
type Store interface {
	AllMarkets(ctx context.Context) ([]models.Market, error)
	WithSession(ctx context.Context, fn func(*storage.Session) error) error
}

// EngineConfig controls the score refresher loop.
type EngineConfig struct {
	Interval       time.Duration
	RetryDelay     time.Duration
	MaxConcurrency int
	OnCycle        func(err error)
}

// CycleResult summarizes one score refresh.
type CycleResult struct {
	Markets int
	Scored  int
	Skipped int
	Failed  int
}

// Engine computes rationality metrics from market data and stored history.
type Engine struct {
	store   Store
	source  polymarket.Source
	metrics *metrics.Recorder
	cfg     EngineConfig
}

// NewEngine creates an engine. rec may be nil.
func NewEngine(store Store, source polymarket.Source, rec *metrics.Recorder, cfg EngineConfig) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Engine{store: store, source: source, metrics: rec, cfg: cfg}
}

// GetActive scores the market's resting orders against the live consensus.
func (e *Engine) GetActive(ctx context.Context, marketID string) (*models.RationalityMetrics, error) {
	orders, err := e.source.FetchActiveOrders(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch orders for market %s: %w", marketID, err)
	}
	overall, perTrader := ActiveRationality(orders)
	return &models.RationalityMetrics{
		MarketID:       marketID,
		Mode:           models.ModeActive,
		ComputedAt:     time.Now(),
		OverallScore:   overall,
		PerTraderScore: perTrader,
		RawInputs:      models.RawInputs{Orders: orders},
	}, nil
}

// GetHistorical scores traders of a resolved market by Brier score. It
// returns ErrUnresolved or ErrNonBinaryOutcome when the market cannot be
// scored.
func (e *Engine) GetHistorical(ctx context.Context, marketID string) (*models.RationalityMetrics, error) {
	trades, err := e.source.FetchTrades(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trades for market %s: %w", marketID, err)
	}
	var m *models.RationalityMetrics
	err = e.store.WithSession(ctx, func(sess *storage.Session) error {
		var err error
		m, err = historical(ctx, sess, marketID, trades)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func historical(ctx context.Context, sess *storage.Session, marketID string, trades []models.Trade) (*models.RationalityMetrics, error) {
	outcome, resolved, err := sess.MarketOutcome(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !resolved {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrUnresolved)
	}
	if outcome != 0 && outcome != 1 {
		return nil, fmt.Errorf("market %s outcome %d: %w", marketID, outcome, ErrNonBinaryOutcome)
	}

	fromTrades := tradePredictions(trades)
	predictions := make(map[string][]float64, len(fromTrades))
	for _, trader := range sortedKeys(fromTrades) {
		stored, err := sess.PredictionsFor(ctx, trader, marketID)
		if err != nil {
			return nil, err
		}
		if len(stored) > 0 {
			predictions[trader] = stored
		} else {
			predictions[trader] = fromTrades[trader]
		}
	}

	overall, perTrader, err := HistoricalRationality(predictions, outcome)
	if err != nil {
		return nil, err
	}
	return &models.RationalityMetrics{
		MarketID:       marketID,
		Mode:           models.ModeHistorical,
		ComputedAt:     time.Now(),
		OverallScore:   overall,
		PerTraderScore: perTrader,
		RawInputs:      models.RawInputs{Trades: trades},
	}, nil
}

// tradePredictions reads each trade as the trader's probability of YES.
func tradePredictions(trades []models.Trade) map[string][]float64 {
	out := make(map[string][]float64)
	for _, t := range trades {
		if t.MakerID == "" {
			continue
		}
		p := t.Price
		if strings.EqualFold(t.Outcome, "NO") {
			p = 1 - p
		}
		out[t.MakerID] = append(out[t.MakerID], p)
	}
	return out
}

// Run refreshes trader scores until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	logger.Info("Starting score refresher (interval: %v)", e.cfg.Interval)
	for {
		_, err := e.RunCycle(ctx)
		if ctx.Err() != nil {
			logger.Info("Score refresher stopped")
			return nil
		}
		if e.cfg.OnCycle != nil {
			e.cfg.OnCycle(err)
		}

		wait := e.cfg.Interval
		if err != nil {
			logger.Error("Score refresh failed: %v", err)
			wait = e.cfg.RetryDelay
		}

		select {
		case <-ctx.Done():
			logger.Info("Score refresher stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunCycle appends one TraderScore per scoreable trader of every resolved
// market. The returned error covers listing failures only.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()

	markets, err := e.store.AllMarkets(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list markets: %w", err)
		e.metrics.ObserveCycle(metrics.LoopRationality, time.Since(start), err)
		return CycleResult{}, err
	}

	var scored, skipped, failed atomic.Int32
	p := pool.New().WithErrors().WithMaxGoroutines(e.cfg.MaxConcurrency)
	for _, m := range markets {
		if m.ResolvedOutcome == nil {
			skipped.Add(1)
			e.metrics.Unit(metrics.LoopRationality, metrics.OutcomeSkipped)
			continue
		}
		marketID := m.ID
		p.Go(func() error {
			n, err := e.refreshMarket(ctx, marketID)
			switch {
			case errors.Is(err, ErrUnresolved), errors.Is(err, ErrNonBinaryOutcome), errors.Is(err, models.ErrValidation):
				skipped.Add(1)
				e.metrics.Unit(metrics.LoopRationality, metrics.OutcomeSkipped)
				logger.Warn("Skipping scores for market %s: %v", marketID, err)
				return nil
			case err != nil:
				failed.Add(1)
				e.metrics.Unit(metrics.LoopRationality, metrics.OutcomeFailed)
				return fmt.Errorf("market %s: %w", marketID, err)
			case n == 0:
				skipped.Add(1)
				e.metrics.Unit(metrics.LoopRationality, metrics.OutcomeSkipped)
			default:
				scored.Add(1)
				e.metrics.Unit(metrics.LoopRationality, metrics.OutcomeWritten)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		logger.Error("Score refresh failures: %v", err)
	}

	res := CycleResult{
		Markets: len(markets),
		Scored:  int(scored.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	e.metrics.ObserveCycle(metrics.LoopRationality, time.Since(start), nil)
	logger.Debug("Score refresh done in %v: %d markets, %d scored, %d skipped, %d failed",
		time.Since(start).Round(time.Millisecond), res.Markets, res.Scored, res.Skipped, res.Failed)
	return res, nil
}

// refreshMarket returns the number of scores written.
func (e *Engine) refreshMarket(ctx context.Context, marketID string) (written int, err error) {
	defer func() {
		if r := recover(); r != nil {
			written = 0
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	// Fetch before opening the session so the network call holds no connection.
	trades, err := e.source.FetchTrades(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch trades: %w", err)
	}

	err = e.store.WithSession(ctx, func(sess *storage.Session) error {
		m, err := historical(ctx, sess, marketID, trades)
		if err != nil {
			return err
		}
		if math.IsNaN(m.OverallScore) {
			return nil
		}
		now := time.Now()
		for _, trader := range sortedKeys(m.PerTraderScore) {
			sc := models.TraderScore{
				TraderID:  trader,
				MarketID:  marketID,
				Score:     m.PerTraderScore[trader],
				Timestamp: now,
			}
			if err := sess.AppendTraderScore(ctx, &sc); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}
