package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rewired-gh/polyscore/internal/models"
)

type snapshotRow struct {
	MarketID  string          `db:"market_id"`
	Timestamp int64           `db:"timestamp"`
	RawData   string          `db:"raw_data"`
	MidPrice  sql.NullFloat64 `db:"mid_price"`
}

type truePriceRow struct {
	ID        int64   `db:"id"`
	MarketID  string  `db:"market_id"`
	Timestamp int64   `db:"timestamp"`
	Value     float64 `db:"value"`
	MidPrice  float64 `db:"mid_price"`
}

func (r truePriceRow) record() models.TruePriceRecord {
	return models.TruePriceRecord{
		ID:        r.ID,
		MarketID:  r.MarketID,
		Timestamp: fromNano(r.Timestamp),
		Value:     r.Value,
		MidPrice:  r.MidPrice,
	}
}

type marketRow struct {
	ID              string        `db:"id"`
	Name            string        `db:"name"`
	Description     string        `db:"description"`
	ResolvedOutcome sql.NullInt64 `db:"resolved_outcome"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

func (r marketRow) market() models.Market {
	m := models.Market{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedAt:   fromNano(r.CreatedAt),
		UpdatedAt:   fromNano(r.UpdatedAt),
	}
	if r.ResolvedOutcome.Valid {
		o := int(r.ResolvedOutcome.Int64)
		m.ResolvedOutcome = &o
	}
	return m
}

type alertRuleRow struct {
	ID        string  `db:"id"`
	Name      string  `db:"name"`
	MarketID  string  `db:"market_id"`
	Email     string  `db:"email"`
	Threshold float64 `db:"threshold"`
	Condition string  `db:"condition"`
	IsActive  int     `db:"is_active"`
	CreatedAt int64   `db:"created_at"`
}

func (r alertRuleRow) rule() models.AlertRule {
	return models.AlertRule{
		ID:        r.ID,
		Name:      r.Name,
		MarketID:  r.MarketID,
		Email:     r.Email,
		Threshold: r.Threshold,
		Condition: r.Condition,
		IsActive:  r.IsActive != 0,
		CreatedAt: fromNano(r.CreatedAt),
	}
}

type notificationRow struct {
	ID          string  `db:"id"`
	AlertRuleID string  `db:"alert_rule_id"`
	MarketID    string  `db:"market_id"`
	TruePrice   float64 `db:"true_price"`
	MidPrice    float64 `db:"mid_price"`
	Difference  float64 `db:"difference"`
	SentAt      int64   `db:"sent_at"`
}

const truePriceCols = `id, market_id, timestamp, value, mid_price`

func latestSnapshot(ctx context.Context, q sqlx.ExtContext, marketID string) (*models.MarketSnapshot, error) {
	var row snapshotRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`
		SELECT market_id, timestamp, raw_data, mid_price
		FROM market_snapshots WHERE market_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`), marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	mid := math.NaN()
	if row.MidPrice.Valid {
		mid = row.MidPrice.Float64
	}
	return &models.MarketSnapshot{
		MarketID:  row.MarketID,
		Timestamp: fromNano(row.Timestamp),
		RawData:   []byte(row.RawData),
		MidPrice:  mid,
	}, nil
}

func latestTruePrice(ctx context.Context, q sqlx.ExtContext, marketID string) (*models.TruePriceRecord, error) {
	var row truePriceRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`
		SELECT `+truePriceCols+` FROM true_prices WHERE market_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`), marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest true price: %w", err)
	}
	rec := row.record()
	return &rec, nil
}

func appendTruePrice(ctx context.Context, q sqlx.ExtContext, rec *models.TruePriceRecord) error {
	if math.IsNaN(rec.Value) || math.IsNaN(rec.MidPrice) {
		return models.Validationf("refusing to persist NaN true price for market %s", rec.MarketID)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	err := q.QueryRowxContext(ctx, q.Rebind(`
		INSERT INTO true_prices (market_id, timestamp, value, mid_price)
		VALUES (?, ?, ?, ?) RETURNING id`),
		rec.MarketID, toNano(rec.Timestamp), rec.Value, rec.MidPrice,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert true price: %w", err)
	}
	return nil
}

func appendNotification(ctx context.Context, q sqlx.ExtContext, n *models.AlertNotification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO alert_notifications
			(id, alert_rule_id, market_id, true_price, mid_price, difference, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.AlertRuleID, n.MarketID, n.TruePrice, n.MidPrice, n.Difference, toNano(n.SentAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func marketOutcome(ctx context.Context, q sqlx.ExtContext, marketID string) (int, bool, error) {
	var outcome sql.NullInt64
	err := sqlx.GetContext(ctx, q, &outcome, q.Rebind(`SELECT resolved_outcome FROM markets WHERE id = ?`), marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get market outcome: %w", err)
	}
	if !outcome.Valid {
		return 0, false, nil
	}
	return int(outcome.Int64), true, nil
}

func predictionsFor(ctx context.Context, q sqlx.ExtContext, traderID, marketID string) ([]float64, error) {
	var preds []float64
	err := sqlx.SelectContext(ctx, q, &preds, q.Rebind(`
		SELECT probability FROM predictions
		WHERE trader_id = ? AND market_id = ?
		ORDER BY timestamp, id`), traderID, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	return preds, nil
}

func appendTraderScore(ctx context.Context, q sqlx.ExtContext, sc *models.TraderScore) error {
	if math.IsNaN(sc.Score) || math.IsInf(sc.Score, 0) {
		return models.Validationf("refusing to persist non-finite score for trader %s", sc.TraderID)
	}
	if sc.Timestamp.IsZero() {
		sc.Timestamp = time.Now()
	}
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO trader_scores (trader_id, market_id, score, timestamp)
		VALUES (?, ?, ?, ?)`),
		sc.TraderID, sc.MarketID, sc.Score, toNano(sc.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trader score: %w", err)
	}
	return nil
}
