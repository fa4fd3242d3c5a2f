package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// OrderBookLevel is one price level of a bid or ask ladder.
type OrderBookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Valid reports whether the level carries a finite positive price and size.
func (l OrderBookLevel) Valid() bool {
	return isFinite(l.Price) && isFinite(l.Size) && l.Price > 0 && l.Size > 0
}

// UnmarshalJSON accepts numbers or numeric strings ("0.61") for price and
// size. Anything else decodes to NaN so the level is skipped downstream
// instead of failing the whole book.
func (l *OrderBookLevel) UnmarshalJSON(data []byte) error {
	var raw struct {
		Price json.RawMessage `json:"price"`
		Size  json.RawMessage `json:"size"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		l.Price, l.Size = math.NaN(), math.NaN()
		return nil
	}
	l.Price = parseLoose(raw.Price)
	l.Size = parseLoose(raw.Size)
	return nil
}

func parseLoose(raw json.RawMessage) float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return math.NaN()
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return math.NaN()
		}
		raw = []byte(s)
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// OrderBook is the decoded payload of a snapshot.
type OrderBook struct {
	Bids []OrderBookLevel `json:"bids"`
	Asks []OrderBookLevel `json:"asks"`
}

// DecodeOrderBook parses a raw snapshot payload. A payload that is not a
// JSON object with bids/asks arrays is an ErrValidation.
func DecodeOrderBook(raw []byte) (OrderBook, error) {
	var book OrderBook
	if len(bytes.TrimSpace(raw)) == 0 {
		return book, Validationf("empty snapshot payload")
	}
	if err := json.Unmarshal(raw, &book); err != nil {
		return OrderBook{}, Validationf("invalid snapshot payload: %v", err)
	}
	return book, nil
}

// MarketSnapshot is the latest captured order book for a market.
// MidPrice is NaN when ingestion stored none.
type MarketSnapshot struct {
	MarketID  string
	Timestamp time.Time
	RawData   []byte
	MidPrice  float64
}

// TruePriceRecord is one append-only aggregation result.
type TruePriceRecord struct {
	ID        int64     `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Value     float64   `json:"value" db:"value"`
	MidPrice  float64   `json:"mid_price" db:"mid_price"`
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
