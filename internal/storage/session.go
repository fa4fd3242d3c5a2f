package storage

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/rewired-gh/polyscore/internal/models"
)

// Session is one unit of work bound to a single transaction. It must not
// be shared between goroutines.
type Session struct {
	tx    *sqlx.Tx
	store *Store
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.store.timeout)
}

// LatestSnapshot returns the newest snapshot for marketID, or nil if none.
func (s *Session) LatestSnapshot(ctx context.Context, marketID string) (*models.MarketSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return latestSnapshot(ctx, s.tx, marketID)
}

// AppendTruePrice inserts rec and sets its ID. NaN values are rejected.
func (s *Session) AppendTruePrice(ctx context.Context, rec *models.TruePriceRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return appendTruePrice(ctx, s.tx, rec)
}

// LatestTruePrice returns the newest true price for marketID, or nil if none.
func (s *Session) LatestTruePrice(ctx context.Context, marketID string) (*models.TruePriceRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return latestTruePrice(ctx, s.tx, marketID)
}

// AppendNotification inserts n, assigning an ID and SentAt when unset.
func (s *Session) AppendNotification(ctx context.Context, n *models.AlertNotification) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return appendNotification(ctx, s.tx, n)
}

// MarketOutcome returns the resolved outcome; resolved is false for open
// or unknown markets.
func (s *Session) MarketOutcome(ctx context.Context, marketID string) (outcome int, resolved bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return marketOutcome(ctx, s.tx, marketID)
}

// PredictionsFor returns the trader's recorded probabilities for a market,
// oldest first.
func (s *Session) PredictionsFor(ctx context.Context, traderID, marketID string) ([]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return predictionsFor(ctx, s.tx, traderID, marketID)
}

// AppendTraderScore inserts a historical score row.
func (s *Session) AppendTraderScore(ctx context.Context, sc *models.TraderScore) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return appendTraderScore(ctx, s.tx, sc)
}
