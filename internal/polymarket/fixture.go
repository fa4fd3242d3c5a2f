package polymarket

import (
	"context"
	"sync"

	"github.com/rewired-gh/polyscore/internal/models"
)

// FixtureSource serves fixed orders and trades. Markets without an explicit
// entry get the default data set.
type FixtureSource struct {
	mu            sync.RWMutex
	orders        map[string][]models.Order
	trades        map[string][]models.Trade
	defaultOrders []models.Order
	defaultTrades []models.Trade
}

// NewFixtureSource returns a source preloaded with a small two-sided book
// and a pair of trades.
func NewFixtureSource() *FixtureSource {
	return &FixtureSource{
		orders: make(map[string][]models.Order),
		trades: make(map[string][]models.Trade),
		defaultOrders: []models.Order{
			{MakerID: "0x123abc...", Price: 0.65, Size: 100, Side: models.SideBuy, Outcome: "YES", Timestamp: 1625097600000},
			{MakerID: "0x456def...", Price: 0.35, Size: 200, Side: models.SideSell, Outcome: "YES", Timestamp: 1625097610000},
		},
		defaultTrades: []models.Trade{
			{MakerID: "0x123abc...", Price: 0.65, Size: 50, Outcome: "YES", Timestamp: 1625097700000},
			{MakerID: "0x789ghi...", Price: 0.40, Size: 75, Outcome: "YES", Timestamp: 1625097800000},
		},
	}
}

// SetOrders overrides the orders returned for marketID.
func (f *FixtureSource) SetOrders(marketID string, orders []models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[marketID] = append([]models.Order(nil), orders...)
}

// SetTrades overrides the trades returned for marketID.
func (f *FixtureSource) SetTrades(marketID string, trades []models.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades[marketID] = append([]models.Trade(nil), trades...)
}

func (f *FixtureSource) FetchActiveOrders(ctx context.Context, marketID string) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	orders, ok := f.orders[marketID]
	if !ok {
		orders = f.defaultOrders
	}
	return append([]models.Order{}, orders...), nil
}

func (f *FixtureSource) FetchTrades(ctx context.Context, marketID string) ([]models.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	trades, ok := f.trades[marketID]
	if !ok {
		trades = f.defaultTrades
	}
	return append([]models.Trade{}, trades...), nil
}
