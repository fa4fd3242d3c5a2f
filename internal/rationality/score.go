// Package rationality scores how well traders price a market: by order
// deviation from the live consensus, and by Brier score against resolved
// outcomes.
package rationality

import (
	"math"
	"sort"

	"github.com/rewired-gh/polyscore/internal/models"
	"github.com/rewired-gh/polyscore/internal/pricing"
)

// DefaultConsensus is used when the book lacks a bid or an ask.
const DefaultConsensus = 0.5

// BrierScore is the mean squared error between probability predictions and
// binary outcomes. Lower is better. Both empty yields NaN.
func BrierScore(predictions []float64, outcomes []int) (float64, error) {
	if len(predictions) != len(outcomes) {
		return 0, models.Validationf("predictions (%d) and outcomes (%d) differ in length", len(predictions), len(outcomes))
	}
	if len(predictions) == 0 {
		return math.NaN(), nil
	}
	var sum float64
	for i, p := range predictions {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return 0, models.Validationf("prediction %d out of [0,1]: %v", i, p)
		}
		o := outcomes[i]
		if o != 0 && o != 1 {
			return 0, models.Validationf("outcome %d is not binary: %d", i, o)
		}
		d := p - float64(o)
		sum += d * d
	}
	return sum / float64(len(predictions)), nil
}

// Consensus is the midpoint of the best BUY and best SELL among usable
// orders, or DefaultConsensus when either side is missing.
func Consensus(orders []models.Order) float64 {
	bestBid, bestAsk := math.Inf(-1), math.Inf(1)
	for _, o := range orders {
		if !o.Usable() {
			continue
		}
		switch o.Side {
		case models.SideBuy:
			bestBid = math.Max(bestBid, o.Price)
		case models.SideSell:
			bestAsk = math.Min(bestAsk, o.Price)
		}
	}
	if math.IsInf(bestBid, 0) || math.IsInf(bestAsk, 0) {
		return DefaultConsensus
	}
	return (bestBid + bestAsk) / 2
}

// ActiveRationality scores each trader by the size-weighted mean squared
// deviation of their order prices from consensus, inverted so higher is
// better. The overall score weights trader scores by order size. Orders
// that are not usable only drop out of their own trader's computation; a
// trader with no usable orders gets no score.
func ActiveRationality(orders []models.Order) (float64, map[string]float64) {
	consensus := Consensus(orders)

	type acc struct{ size, sqDev float64 }
	byTrader := make(map[string]*acc)
	for _, o := range orders {
		if !o.Usable() {
			continue
		}
		a := byTrader[o.MakerID]
		if a == nil {
			a = &acc{}
			byTrader[o.MakerID] = a
		}
		d := o.Price - consensus
		a.size += o.Size
		a.sqDev += d * d * o.Size
	}

	scores := make(map[string]float64, len(byTrader))
	var weighted, total float64
	for _, trader := range sortedKeys(byTrader) {
		a := byTrader[trader]
		if math.IsInf(a.size, 0) || math.IsInf(a.sqDev, 0) {
			continue
		}
		score := pricing.Clamp01(1 - a.sqDev/a.size)
		scores[trader] = score
		weighted += score * a.size
		total += a.size
	}

	if total == 0 || math.IsInf(total, 0) {
		return 0, scores
	}
	return pricing.Clamp01(weighted / total), scores
}

// HistoricalRationality computes a Brier score per trader from their
// predictions against a binary outcome. Invalid predictions are dropped and
// traders left with none are excluded rather than scored. The overall score
// is the mean of trader scores, NaN when nobody is scoreable.
func HistoricalRationality(predictions map[string][]float64, outcome int) (float64, map[string]float64, error) {
	if outcome != 0 && outcome != 1 {
		return 0, nil, models.Validationf("outcome is not binary: %d", outcome)
	}
	scores := make(map[string]float64, len(predictions))
	var sum float64
	for _, trader := range sortedKeys(predictions) {
		preds := predictions[trader]
		valid := make([]float64, 0, len(preds))
		for _, p := range preds {
			if !math.IsNaN(p) && p >= 0 && p <= 1 {
				valid = append(valid, p)
			}
		}
		if len(valid) == 0 {
			continue
		}
		outcomes := make([]int, len(valid))
		for i := range outcomes {
			outcomes[i] = outcome
		}
		score, err := BrierScore(valid, outcomes)
		if err != nil {
			return 0, nil, err
		}
		scores[trader] = score
		sum += score
	}
	if len(scores) == 0 {
		return math.NaN(), scores, nil
	}
	return sum / float64(len(scores)), scores, nil
}

// sortedKeys fixes summation order so repeated runs agree to the last bit.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
