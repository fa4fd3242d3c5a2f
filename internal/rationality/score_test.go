package rationality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polyscore/internal/models"
)

func TestBrierScore(t *testing.T) {
	got, err := BrierScore([]float64{0.8, 0.3}, []int{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.065, got, 1e-12)

	got, err = BrierScore([]float64{1, 0}, []int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestBrierScore_Empty(t *testing.T) {
	got, err := BrierScore(nil, nil)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got))
}

func TestBrierScore_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		predictions []float64
		outcomes    []int
	}{
		{"length mismatch", []float64{0.5}, []int{1, 0}},
		{"empty vs one", nil, []int{1}},
		{"prediction above one", []float64{1.01}, []int{1}},
		{"negative prediction", []float64{-0.1}, []int{0}},
		{"NaN prediction", []float64{math.NaN()}, []int{0}},
		{"outcome two", []float64{0.5}, []int{2}},
		{"negative outcome", []float64{0.5}, []int{-1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BrierScore(tt.predictions, tt.outcomes)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func order(maker string, price, size float64, side string) models.Order {
	return models.Order{MakerID: maker, Price: price, Size: size, Side: side, Outcome: "YES"}
}

func TestConsensus(t *testing.T) {
	orders := []models.Order{
		order("a", 0.60, 10, models.SideBuy),
		order("b", 0.58, 10, models.SideBuy),
		order("c", 0.64, 10, models.SideSell),
		order("d", 0.70, 10, models.SideSell),
	}
	assert.InDelta(t, 0.62, Consensus(orders), 1e-12)

	assert.Equal(t, DefaultConsensus, Consensus(orders[:2]))
	assert.Equal(t, DefaultConsensus, Consensus(nil))
	// out-of-domain bid ignored, leaving no bid side
	assert.Equal(t, DefaultConsensus, Consensus([]models.Order{order("x", 1.5, 1, models.SideBuy), orders[2]}))
}

func TestActiveRationality(t *testing.T) {
	orders := []models.Order{
		order("alice", 0.60, 100, models.SideBuy),
		order("bob", 0.64, 100, models.SideSell),
		order("carol", 0.32, 200, models.SideBuy),
	}
	overall, per := ActiveRationality(orders)

	// consensus 0.62
	require.Len(t, per, 3)
	assert.InDelta(t, 1-0.0004, per["alice"], 1e-12)
	assert.InDelta(t, 1-0.0004, per["bob"], 1e-12)
	assert.InDelta(t, 1-0.09, per["carol"], 1e-12)
	want := (per["alice"]*100 + per["bob"]*100 + per["carol"]*200) / 400
	assert.InDelta(t, want, overall, 1e-12)
}

func TestActiveRationality_InvalidOrdersOnlyAffectTheirTrader(t *testing.T) {
	orders := []models.Order{
		order("alice", 0.60, 100, models.SideBuy),
		order("bob", 0.64, 100, models.SideSell),
		order("alice", 7.0, 1000, models.SideBuy),
		order("mallory", math.NaN(), 50, models.SideSell),
	}
	_, per := ActiveRationality(orders)

	assert.InDelta(t, 1-0.0004, per["alice"], 1e-12)
	assert.InDelta(t, 1-0.0004, per["bob"], 1e-12)
	_, scored := per["mallory"]
	assert.False(t, scored, "trader with no usable orders must not be scored")
}

func TestActiveRationality_Empty(t *testing.T) {
	overall, per := ActiveRationality(nil)
	assert.Equal(t, 0.0, overall)
	assert.Empty(t, per)
}

func TestActiveRationality_OverallWithinTraderRange(t *testing.T) {
	orders := []models.Order{
		order("a", 0.10, 5, models.SideBuy),
		order("b", 0.90, 50, models.SideSell),
		order("c", 0.45, 500, models.SideBuy),
		order("d", 0.55, 1, models.SideSell),
		order("a", 0.95, 30, models.SideSell),
	}
	overall, per := ActiveRationality(orders)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range per {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
		lo, hi = math.Min(lo, s), math.Max(hi, s)
	}
	assert.GreaterOrEqual(t, overall, lo)
	assert.LessOrEqual(t, overall, hi)
}

func TestActiveRationality_Idempotent(t *testing.T) {
	orders := []models.Order{
		order("a", 0.40, 5, models.SideBuy),
		order("b", 0.48, 7, models.SideSell),
	}
	o1, p1 := ActiveRationality(orders)
	o2, p2 := ActiveRationality(orders)
	assert.Equal(t, o1, o2)
	assert.Equal(t, p1, p2)
}

func TestHistoricalRationality(t *testing.T) {
	preds := map[string][]float64{
		"alice":  {0.8, 0.9},
		"bob":    {0.3},
		"eve":    {1.7, math.NaN()},
		"nobody": nil,
	}
	overall, per, err := HistoricalRationality(preds, 1)
	require.NoError(t, err)

	require.Len(t, per, 2)
	assert.InDelta(t, (0.04+0.01)/2, per["alice"], 1e-12)
	assert.InDelta(t, 0.49, per["bob"], 1e-12)
	assert.InDelta(t, (per["alice"]+per["bob"])/2, overall, 1e-12)
}

func TestHistoricalRationality_NobodyScoreable(t *testing.T) {
	overall, per, err := HistoricalRationality(map[string][]float64{"x": {2}}, 0)
	require.NoError(t, err)
	assert.Empty(t, per)
	assert.True(t, math.IsNaN(overall))
}

func TestHistoricalRationality_NonBinaryOutcome(t *testing.T) {
	_, _, err := HistoricalRationality(map[string][]float64{"x": {0.5}}, 3)
	assert.ErrorIs(t, err, models.ErrValidation)
}
