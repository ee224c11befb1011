package microstructure

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func TestActivityTrackerEmptyWindow(t *testing.T) {
	agg := NewTradesAggregator(600)
	tracker := NewActivityTracker(agg, ActivityTrackerConfig{WindowSeconds: 60, DropThresholdFrac: 0.4, DropWindowBars: 5})

	m := tracker.Update("BTC-USD", types.NowMillis())
	assert.Equal(t, 0.0, m.Index)
	assert.False(t, m.IsDropping)
}

func TestActivityTrackerDropLatches(t *testing.T) {
	agg := NewTradesAggregator(600)
	agg.Subscribe("BTC-USD")
	tracker := NewActivityTracker(agg, ActivityTrackerConfig{WindowSeconds: 60, DropThresholdFrac: 0.3, DropWindowBars: 3, CooldownSeconds: 60})

	base := types.NowMillis()
	// Ramp up activity.
	for i := 0; i < 20; i++ {
		for j := 0; j < 10; j++ {
			agg.OnTrade(types.Trade{Symbol: "BTC-USD", Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1), Side: types.SideBuy, Timestamp: base + types.Millis(i*1000)})
		}
		tracker.Update("BTC-USD", base+types.Millis(i*1000))
	}

	// No new trades arrive: the trade window stays anchored on the last
	// print, so each sample repeats the same raw values and the index sinks
	// as those flat samples pull the history mean up to meet them.
	for i := 20; i < 26; i++ {
		tracker.Update("BTC-USD", base+types.Millis(i*1000))
	}

	assert.True(t, tracker.IsDropping("BTC-USD"))
}
