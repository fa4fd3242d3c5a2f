// Package pricing derives mid and true prices from order book ladders.
package pricing

import (
	"math"

	"github.com/rewired-gh/polyscore/internal/logger"
	"github.com/rewired-gh/polyscore/internal/models"
)

// MidPrice returns (best bid + best ask) / 2, where best bid is the highest
// bid price and best ask the lowest ask price. Levels with a non-finite or
// negative price are ignored. It returns NaN when either side has no usable
// price.
func MidPrice(bids, asks []models.OrderBookLevel) float64 {
	bestBid, okBid := bestPrice(bids, math.Max)
	bestAsk, okAsk := bestPrice(asks, math.Min)
	if !okBid || !okAsk {
		return math.NaN()
	}
	return (bestBid + bestAsk) / 2
}

func bestPrice(levels []models.OrderBookLevel, pick func(a, b float64) float64) (float64, bool) {
	var best float64
	found := false
	for _, l := range levels {
		if math.IsNaN(l.Price) || math.IsInf(l.Price, 0) || l.Price < 0 {
			continue
		}
		if !found {
			best, found = l.Price, true
			continue
		}
		best = pick(best, l.Price)
	}
	return best, found
}

// TruePrice is the volume-weighted average price across both sides of the
// book. Only levels with price > 0 and size > 0 count. An empty side, or a
// book with no valid volume at all, falls back to MidPrice. The result is
// clamped to [0,1]; NaN means the fallback had nothing to work with either.
func TruePrice(bids, asks []models.OrderBookLevel) float64 {
	if len(bids) == 0 || len(asks) == 0 {
		return Clamp01(MidPrice(bids, asks))
	}

	var weighted, volume float64
	skipped := 0
	for _, side := range [2][]models.OrderBookLevel{bids, asks} {
		for _, l := range side {
			if !l.Valid() {
				skipped++
				continue
			}
			weighted += l.Price * l.Size
			volume += l.Size
		}
	}
	if skipped > 0 {
		logger.Warn("Skipped %d invalid order book levels", skipped)
	}

	if volume == 0 || math.IsInf(weighted, 0) || math.IsInf(volume, 0) {
		return Clamp01(MidPrice(bids, asks))
	}
	return Clamp01(weighted / volume)
}

// Clamp01 clamps v to [0,1], leaving NaN untouched.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Min(1, math.Max(0, v))
}
