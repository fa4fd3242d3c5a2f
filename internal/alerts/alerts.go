// Package alerts evaluates alert rules against the latest true price and
// notifies rule owners when a rule triggers.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/metrics"
	"github.com/rewired-gh/polyscore/internal/models"
	"github.com/rewired-gh/polyscore/internal/notify"
	"github.com/rewired-gh/polyscore/internal/storage"
)

// Store is the persistence the engine needs.
type Store interface {
	ActiveAlertRules(ctx context.Context) ([]models.AlertRule, error)
	WithSession(ctx context.Context, fn func(*storage.Session) error) error
}

// Config controls the loop.
type Config struct {
	Interval       time.Duration
	RetryDelay     time.Duration
	MaxConcurrency int
	SendTimeout    time.Duration
	// OnCycle, if set, is called after every cycle with its error.
	OnCycle func(err error)
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Rules     int
	Triggered int
	Skipped   int
	Failed    int
}

// Engine runs alert cycles. Notifications are sent in the background after
// the record commits; Wait blocks until all of them finish.
type Engine struct {
	store   Store
	sink    notify.Sink
	metrics *metrics.Recorder
	cfg     Config
	sends   conc.WaitGroup
}

// New creates an engine. rec may be nil.
func New(store Store, sink notify.Sink, rec *metrics.Recorder, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Minute
	}
	return &Engine{store: store, sink: sink, metrics: rec, cfg: cfg}
}

// Evaluate returns the relative gap |true - mid| / mid and whether rule
// triggers on it. A non-positive or non-finite mid price, or a non-finite
// true price, gives NaN and never triggers.
func Evaluate(rule models.AlertRule, truePrice, midPrice float64) (float64, bool) {
	if !(midPrice > 0) || math.IsInf(midPrice, 0) || math.IsNaN(truePrice) || math.IsInf(truePrice, 0) {
		return math.NaN(), false
	}
	diff := math.Abs(truePrice-midPrice) / midPrice
	switch rule.Condition {
	case models.ConditionAbove:
		return diff, diff > rule.Threshold
	case models.ConditionBelow:
		return diff, diff < rule.Threshold
	}
	return diff, false
}

// FormatAlert builds the subject and plain-text body for a notification.
func FormatAlert(rule models.AlertRule, n models.AlertNotification) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Your alert rule %q has been triggered.\n", rule.Name)
	fmt.Fprintf(&b, "Market ID: %s\n", n.MarketID)
	fmt.Fprintf(&b, "True Price: %.4f\n", n.TruePrice)
	fmt.Fprintf(&b, "Mid Price: %.4f\n", n.MidPrice)
	fmt.Fprintf(&b, "Difference: %.4f (%.2f%%)\n", n.Difference, n.Difference*100)
	fmt.Fprintf(&b, "Timestamp: %s\n", n.SentAt.UTC().Format(time.RFC3339))
	return "Market Alert: " + rule.Name, b.String()
}

// Run loops until ctx is cancelled. It does not wait for pending sends.
func (e *Engine) Run(ctx context.Context) error {
	logger.Info("Starting alert engine (interval: %v)", e.cfg.Interval)
	for {
		_, err := e.RunCycle(ctx)
		if ctx.Err() != nil {
			logger.Info("Alert engine stopped")
			return nil
		}
		if e.cfg.OnCycle != nil {
			e.cfg.OnCycle(err)
		}

		wait := e.cfg.Interval
		if err != nil {
			logger.Error("Alert cycle failed: %v", err)
			wait = e.cfg.RetryDelay
		}

		select {
		case <-ctx.Done():
			logger.Info("Alert engine stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// Wait blocks until every dispatched notification has been attempted.
func (e *Engine) Wait() {
	e.sends.Wait()
}

// RunCycle evaluates every active rule once. The returned error covers
// listing failures only.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()

	rules, err := e.store.ActiveAlertRules(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list alert rules: %w", err)
		e.metrics.ObserveCycle(metrics.LoopAlerts, time.Since(start), err)
		return CycleResult{}, err
	}

	var triggered, skipped, failed atomic.Int32
	p := pool.New().WithErrors().WithMaxGoroutines(e.cfg.MaxConcurrency)
	for _, r := range rules {
		rule := r
		p.Go(func() error {
			fired, err := e.processRule(ctx, rule)
			switch {
			case err != nil && errors.Is(err, models.ErrValidation):
				skipped.Add(1)
				e.metrics.Unit(metrics.LoopAlerts, metrics.OutcomeSkipped)
				logger.Warn("Skipping alert rule %s: %v", rule.ID, err)
				return nil
			case err != nil:
				failed.Add(1)
				e.metrics.Unit(metrics.LoopAlerts, metrics.OutcomeFailed)
				return fmt.Errorf("rule %s: %w", rule.ID, err)
			case fired:
				triggered.Add(1)
				e.metrics.Unit(metrics.LoopAlerts, metrics.OutcomeTriggered)
			default:
				skipped.Add(1)
				e.metrics.Unit(metrics.LoopAlerts, metrics.OutcomeSkipped)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		logger.Error("Alert rule failures: %v", err)
	}

	res := CycleResult{
		Rules:     len(rules),
		Triggered: int(triggered.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	e.metrics.ObserveCycle(metrics.LoopAlerts, time.Since(start), nil)
	logger.Debug("Alert cycle done in %v: %d rules, %d triggered, %d skipped, %d failed",
		time.Since(start).Round(time.Millisecond), res.Rules, res.Triggered, res.Skipped, res.Failed)
	return res, nil
}

func (e *Engine) processRule(ctx context.Context, rule models.AlertRule) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := rule.Validate(); err != nil {
		return false, err
	}
	if rule.Email == "" && notify.RequiresRecipient(e.sink) {
		return false, models.Validationf("alert rule %s: email is required for this notification backend", rule.ID)
	}

	var n models.AlertNotification
	err = e.store.WithSession(ctx, func(sess *storage.Session) error {
		rec, err := sess.LatestTruePrice(ctx, rule.MarketID)
		if err != nil {
			return err
		}
		if rec == nil {
			logger.Debug("No true price yet for market %s (rule %s)", rule.MarketID, rule.ID)
			return nil
		}

		diff, ok := Evaluate(rule, rec.Value, rec.MidPrice)
		if !ok {
			return nil
		}

		n = models.AlertNotification{
			AlertRuleID: rule.ID,
			MarketID:    rule.MarketID,
			TruePrice:   rec.Value,
			MidPrice:    rec.MidPrice,
			Difference:  diff,
			SentAt:      time.Now(),
		}
		if err := sess.AppendNotification(ctx, &n); err != nil {
			return err
		}
		fired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if fired {
		logger.Info("Alert triggered: %s (market %s, difference %.4f)", rule.Name, rule.MarketID, n.Difference)
		e.dispatch(ctx, rule, n)
	}
	return fired, nil
}

func (e *Engine) dispatch(ctx context.Context, rule models.AlertRule, n models.AlertNotification) {
	subject, body := FormatAlert(rule, n)
	sendCtx := context.WithoutCancel(ctx)
	e.sends.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Notification for rule %s panicked: %v", rule.ID, r)
			}
		}()
		ctx, cancel := context.WithTimeout(sendCtx, e.cfg.SendTimeout)
		defer cancel()

		err := e.sink.Send(ctx, rule.Email, subject, body)
		e.metrics.Notification(err)
		if err != nil {
			logger.Error("Failed to send notification %s for rule %s: %v", n.ID, rule.ID, err)
			return
		}
		logger.Info("Notification sent to %s for rule %s", rule.Email, rule.Name)
	})
}
