package microstructure

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func bl(price, size int64) types.BookLevel {
	return types.BookLevel{Price: decimal.NewFromInt(price), Size: decimal.NewFromInt(size)}
}

func TestOrderBookManagerSnapshotAndTop(t *testing.T) {
	m := NewOrderBookManager()
	err := m.ApplySnapshot("BTC-USD", []types.BookLevel{bl(100, 1), bl(99, 2)}, []types.BookLevel{bl(101, 1), bl(102, 2)}, 1, types.NowMillis())
	require.Nil(t, err)

	bids, asks := m.Top("BTC-USD", 10)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	assert.True(t, bids[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, asks[0].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, m.Mid("BTC-USD").Equal(decimal.NewFromFloat(100.5)))
}

func TestOrderBookManagerRejectsCrossedSnapshot(t *testing.T) {
	m := NewOrderBookManager()
	err := m.ApplySnapshot("BTC-USD", []types.BookLevel{bl(102, 1)}, []types.BookLevel{bl(101, 1)}, 1, types.NowMillis())
	require.NotNil(t, err)
}

func TestOrderBookManagerDeltaSequenceGap(t *testing.T) {
	m := NewOrderBookManager()
	require.Nil(t, m.ApplySnapshot("BTC-USD", []types.BookLevel{bl(100, 1)}, []types.BookLevel{bl(101, 1)}, 1, types.NowMillis()))

	err := m.ApplyDelta("BTC-USD", []BookDelta{{Side: types.SideBuy, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(2)}}, 3, types.NowMillis())
	require.NotNil(t, err)
	assert.True(t, m.IsStale("BTC-USD"))
}

func TestOrderBookManagerDeltaApplies(t *testing.T) {
	m := NewOrderBookManager()
	require.Nil(t, m.ApplySnapshot("BTC-USD", []types.BookLevel{bl(100, 1)}, []types.BookLevel{bl(101, 1)}, 1, types.NowMillis()))

	err := m.ApplyDelta("BTC-USD", []BookDelta{{Side: types.SideBuy, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(5)}}, 2, types.NowMillis())
	require.Nil(t, err)

	bids, _ := m.Top("BTC-USD", 1)
	assert.True(t, bids[0].Size.Equal(decimal.NewFromInt(5)))
}

func TestOrderBookManagerDepthByBucket(t *testing.T) {
	m := NewOrderBookManager()
	require.Nil(t, m.ApplySnapshot("BTC-USD",
		[]types.BookLevel{bl(100, 1), bl(101, 1)},
		[]types.BookLevel{bl(102, 1), bl(103, 1)},
		1, types.NowMillis()))

	depths := m.DepthByBucket("BTC-USD", decimal.NewFromInt(1), 2)
	assert.NotEmpty(t, depths)
}
