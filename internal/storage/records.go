package storage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rewired-gh/polyscore/internal/models"
)

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// AllMarkets lists every market.
func (s *Store) AllMarkets(ctx context.Context) ([]models.Market, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []marketRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT id, name, description, resolved_outcome, created_at, updated_at
		FROM markets ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	markets := make([]models.Market, 0, len(rows))
	for _, r := range rows {
		markets = append(markets, r.market())
	}
	return markets, nil
}

// UpsertMarket inserts the market or updates its mutable fields.
func (s *Store) UpsertMarket(ctx context.Context, m *models.Market) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid market: %w", err)
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	var outcome any
	if m.ResolvedOutcome != nil {
		outcome = *m.ResolvedOutcome
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO markets (id, name, description, resolved_outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			resolved_outcome = excluded.resolved_outcome,
			updated_at = excluded.updated_at`),
		m.ID, m.Name, m.Description, outcome, toNano(m.CreatedAt), toNano(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert market: %w", err)
	}
	return nil
}

// AddSnapshot stores a raw order book payload captured by ingestion.
// A NaN midPrice is stored as NULL.
func (s *Store) AddSnapshot(ctx context.Context, marketID string, ts time.Time, raw []byte, midPrice float64) error {
	var mid any
	if !math.IsNaN(midPrice) {
		mid = midPrice
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO market_snapshots (market_id, timestamp, raw_data, mid_price)
		VALUES (?, ?, ?, ?)`),
		marketID, toNano(ts), string(raw), mid,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot is the read-only variant of Session.LatestSnapshot.
func (s *Store) LatestSnapshot(ctx context.Context, marketID string) (*models.MarketSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return latestSnapshot(ctx, s.db, marketID)
}

// LatestTruePrice returns the newest true price for marketID, or nil.
func (s *Store) LatestTruePrice(ctx context.Context, marketID string) (*models.TruePriceRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return latestTruePrice(ctx, s.db, marketID)
}

// TruePriceHistory returns up to limit records for marketID, newest first.
func (s *Store) TruePriceHistory(ctx context.Context, marketID string, limit int) ([]models.TruePriceRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []truePriceRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.rebind(`
		SELECT `+truePriceCols+` FROM true_prices WHERE market_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`), marketID, limit); err != nil {
		return nil, fmt.Errorf("failed to query true prices: %w", err)
	}
	out := make([]models.TruePriceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// AddAlertRule inserts a validated alert rule.
func (s *Store) AddAlertRule(ctx context.Context, r *models.AlertRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO alert_rules (id, name, market_id, email, threshold, condition, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Name, r.MarketID, r.Email, r.Threshold, r.Condition, boolToInt(r.IsActive), toNano(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert rule: %w", err)
	}
	return nil
}

// ActiveAlertRules lists rules with is_active set.
func (s *Store) ActiveAlertRules(ctx context.Context) ([]models.AlertRule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []alertRuleRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT id, name, market_id, email, threshold, condition, is_active, created_at
		FROM alert_rules WHERE is_active = 1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query alert rules: %w", err)
	}
	rules := make([]models.AlertRule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, r.rule())
	}
	return rules, nil
}

// Notifications lists notifications for a rule, oldest first.
func (s *Store) Notifications(ctx context.Context, ruleID string) ([]models.AlertNotification, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []notificationRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.rebind(`
		SELECT id, alert_rule_id, market_id, true_price, mid_price, difference, sent_at
		FROM alert_notifications WHERE alert_rule_id = ? ORDER BY sent_at, id`), ruleID); err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	out := make([]models.AlertNotification, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.AlertNotification{
			ID:          r.ID,
			AlertRuleID: r.AlertRuleID,
			MarketID:    r.MarketID,
			TruePrice:   r.TruePrice,
			MidPrice:    r.MidPrice,
			Difference:  r.Difference,
			SentAt:      fromNano(r.SentAt),
		})
	}
	return out, nil
}

// AddTrader inserts or renames a trader.
func (s *Store) AddTrader(ctx context.Context, t *models.Trader) error {
	if t.ID == "" || t.Name == "" {
		return models.Validationf("trader ID and name must not be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO traders (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`),
		t.ID, t.Name, toNano(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trader: %w", err)
	}
	return nil
}

// AddPrediction records a trader's probability for a market.
func (s *Store) AddPrediction(ctx context.Context, traderID, marketID string, probability float64, ts time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO predictions (trader_id, market_id, probability, timestamp)
		VALUES (?, ?, ?, ?)`),
		traderID, marketID, probability, toNano(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

// Leaderboard ranks traders in a market by their latest Brier score,
// lowest first. Traders without a traders row are listed by ID.
func (s *Store) Leaderboard(ctx context.Context, marketID string, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var entries []models.LeaderboardEntry
	err := sqlx.SelectContext(ctx, s.db, &entries, s.rebind(`
		SELECT ts.trader_id, COALESCE(t.name, ts.trader_id) AS trader_name, ts.market_id, ts.score
		FROM trader_scores ts
		LEFT JOIN traders t ON t.id = ts.trader_id
		WHERE ts.market_id = ?
		  AND ts.id = (
			SELECT MAX(s2.id) FROM trader_scores s2
			WHERE s2.trader_id = ts.trader_id AND s2.market_id = ts.market_id
		  )
		ORDER BY ts.score ASC, ts.trader_id ASC
		LIMIT ?`), marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	for i := range entries {
		entries[i].Position = i + 1
	}
	return entries, nil
}
