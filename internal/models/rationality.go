package models

import "time"

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order is a resting order fetched from the market data source.
type Order struct {
	MakerID   string  `json:"makerAddress"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Side      string  `json:"side"`
	Outcome   string  `json:"outcome"`
	Timestamp int64   `json:"timestamp"`
}

// Usable reports whether the order can take part in scoring: price is a
// probability and size is a positive finite amount.
func (o Order) Usable() bool {
	return isFinite(o.Price) && o.Price >= 0 && o.Price <= 1 &&
		isFinite(o.Size) && o.Size > 0
}

// Trade is an executed fill fetched from the market data source.
type Trade struct {
	MakerID   string  `json:"makerAddress"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Outcome   string  `json:"outcome"`
	Timestamp int64   `json:"timestamp"`
}

// Rationality modes.
const (
	ModeActive     = "active"
	ModeHistorical = "historical"
)

// RawInputs keeps the records a metrics value was computed from.
type RawInputs struct {
	Orders []Order `json:"orders,omitempty"`
	Trades []Trade `json:"trades,omitempty"`
}

// RationalityMetrics is the scoring output for one market.
// In active mode scores are in [0,1], higher is better. In historical mode
// scores are Brier scores, lower is better.
type RationalityMetrics struct {
	MarketID       string             `json:"marketId"`
	Mode           string             `json:"mode"`
	ComputedAt     time.Time          `json:"computedAt"`
	OverallScore   float64            `json:"overallScore"`
	PerTraderScore map[string]float64 `json:"perTraderScore"`
	RawInputs      RawInputs          `json:"rawInputs"`
}
