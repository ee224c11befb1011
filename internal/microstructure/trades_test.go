package microstructure

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func TestTradesAggregatorEmptyWindow(t *testing.T) {
	a := NewTradesAggregator(600)
	assert.Equal(t, 0.0, a.Tpm("BTC-USD", 60))
	assert.Equal(t, 0.5, a.BuySellRatio("BTC-USD", 60))
}

func TestTradesAggregatorUnsubscribedQueryNeverFails(t *testing.T) {
	a := NewTradesAggregator(600)
	a.OnTrade(types.Trade{Symbol: "BTC-USD", Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1), Side: types.SideBuy, Timestamp: types.NowMillis()})
	assert.Equal(t, 0.0, a.Tpm("BTC-USD", 60))
}

func TestTradesAggregatorBasicCounts(t *testing.T) {
	a := NewTradesAggregator(600)
	a.Subscribe("BTC-USD")

	base := types.NowMillis()
	for i := 0; i < 10; i++ {
		a.OnTrade(types.Trade{Symbol: "BTC-USD", Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), Side: types.SideBuy, Timestamp: base + types.Millis(i*1000)})
	}
	for i := 0; i < 5; i++ {
		a.OnTrade(types.Trade{Symbol: "BTC-USD", Price: decimal.NewFromInt(100), Size: decimal.NewFromFloat(0.4), Side: types.SideSell, Timestamp: base + types.Millis(i*1000)})
	}

	assert.InDelta(t, 5.0/6.0, a.BuySellRatio("BTC-USD", 30), 0.05)
	assert.Greater(t, a.VolDelta("BTC-USD", 30), 0.0)
}

func TestTradesAggregatorEviction(t *testing.T) {
	a := NewTradesAggregator(5) // 5s window
	a.Subscribe("BTC-USD")

	base := types.NowMillis()
	a.OnTrade(types.Trade{Symbol: "BTC-USD", Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1), Side: types.SideBuy, Timestamp: base})
	a.OnTrade(types.Trade{Symbol: "BTC-USD", Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1), Side: types.SideBuy, Timestamp: base + types.Millis(10000)})

	a.mu.RLock()
	n := len(a.windows["BTC-USD"])
	a.mu.RUnlock()
	assert.Equal(t, 1, n)
}
