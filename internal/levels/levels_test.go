package levels

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func candle(o, h, l, c float64, t int64) types.Candle {
	return types.Candle{
		Symbol: "BTC-USD", Timeframe: "1h",
		Open: decimal.NewFromFloat(o), High: decimal.NewFromFloat(h),
		Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(c),
		Volume: decimal.NewFromInt(100), OpenTime: types.Millis(t * 1000), Closed: true,
	}
}

func TestDetectFindsPivotHigh(t *testing.T) {
	d := NewDetector(Config{
		PivotLookback: 2, MergeRadiusBps: 10, RoundNumberTolBps: 5,
		RoundStepCandidates: []float64{100}, CascadeMinLevels: 3, CascadeRadiusBps: 20,
		MaxApproachSlopePct: 5, ApproachLookback: 3,
	})

	var candles []types.Candle
	highs := []float64{100, 101, 110, 102, 101, 100, 99}
	for i, h := range highs {
		candles = append(candles, candle(h-1, h, h-2, h-1, int64(i)))
	}

	lvls := d.Detect("BTC-USD", candles)
	found := false
	for _, l := range lvls {
		if l.Side == types.LevelResistance {
			f, _ := l.Price.Float64()
			if f == 110 {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestDedupMergesNearbyLevels(t *testing.T) {
	d := NewDetector(Config{MergeRadiusBps: 100, RoundNumberTolBps: 5})
	lvls := []types.Level{
		{Price: decimal.NewFromInt(100), Side: types.LevelSupport, Strength: 0.4},
		{Price: decimal.NewFromInt(100).Add(decimal.NewFromFloat(0.5)), Side: types.LevelSupport, Strength: 0.7},
	}
	merged := d.dedup(lvls)
	assert.Len(t, merged, 1)
	assert.Equal(t, 0.7, merged[0].Strength)
}
