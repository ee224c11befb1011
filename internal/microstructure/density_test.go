package microstructure

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func TestDensityDetectorCreatedThenEaten(t *testing.T) {
	book := NewOrderBookManager()
	cfg := DensityDetectorConfig{KDensity: 3, TickSize: decimal.NewFromInt(1), BucketTicks: 1, TTLSeconds: 900, ReentryRatio: 0.3, EnterOnEatenRatio: 0.75}
	d := NewDensityDetector(book, cfg)

	asks := []types.BookLevel{bl(50010, 100), bl(50011, 5), bl(50012, 5), bl(50013, 5), bl(50014, 5)}
	require.Nil(t, book.ApplySnapshot("BTC-USD", []types.BookLevel{bl(50000, 5)}, asks, 1, types.NowMillis()))

	events := d.Scan("BTC-USD", types.NowMillis())
	require.Len(t, events, 1)
	assert.Equal(t, DensityCreated, events[0].Kind)

	require.Nil(t, book.ApplyDelta("BTC-USD", []BookDelta{{Side: types.SideSell, Price: decimal.NewFromInt(50010), Size: decimal.NewFromInt(10)}}, 2, types.NowMillis()))
	events = d.Scan("BTC-USD", types.NowMillis())
	require.Len(t, events, 2)
	assert.Equal(t, DensityEaten, events[0].Kind)
	assert.GreaterOrEqual(t, events[0].Density.EatenRatio, 0.75)
	assert.Equal(t, DensityDisappeared, events[1].Kind)
}

func TestDensityEatenRatioMonotone(t *testing.T) {
	d := &types.Density{InitialSize: decimal.NewFromInt(100), CurrentSize: decimal.NewFromInt(100)}
	d.Recompute(decimal.NewFromInt(80))
	r1 := d.EatenRatio
	d.Recompute(decimal.NewFromInt(90)) // size came back up, ratio must not decrease
	assert.Equal(t, r1, d.EatenRatio)
}
