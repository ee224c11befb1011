package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/breakoutengine/internal/gateway"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func baseSignal() types.Signal {
	return types.Signal{
		Symbol: "BTC-USD", Side: types.PositionLong,
		EntryPrice: decimal.NewFromFloat(100), StopPrice: decimal.NewFromFloat(98),
	}
}

func TestPlaceSubmitsEntryStopAndLadder(t *testing.T) {
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	m := New(gw, preset.Default().PositionConfig)

	pos, xerr := m.Place(context.Background(), baseSignal(), decimal.NewFromFloat(10), types.Millis(1000))
	require.Nil(t, xerr)
	require.NotNil(t, pos)

	assert.NotEmpty(t, pos.EntryOrderID)
	assert.NotEmpty(t, pos.StopOrderID)
	require.Len(t, pos.TPLadder, 3)
	for _, tp := range pos.TPLadder {
		assert.NotEmpty(t, tp.OrderID)
		assert.False(t, tp.Filled)
	}
	assert.Equal(t, types.FSMEntry, pos.FSM.Current)

	stopOrder, err := gw.QueryOrder(context.Background(), pos.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, types.SideSell, stopOrder.Side)
	assert.True(t, stopOrder.Price.Equal(decimal.NewFromFloat(98)))
}

func TestPlaceRetryReusesClientOrderID(t *testing.T) {
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	m := New(gw, preset.Default().PositionConfig)

	id1 := m.clientIDFor("pos-1", "entry")
	id2 := m.clientIDFor("pos-1", "entry")
	assert.Equal(t, id1, id2)
}

func TestOnOrderEventProratesPartialFill(t *testing.T) {
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	m := New(gw, preset.Default().PositionConfig)

	pos, xerr := m.Place(context.Background(), baseSignal(), decimal.NewFromFloat(10), types.Millis(1000))
	require.Nil(t, xerr)

	tpOrder := types.Order{
		ID: pos.TPLadder[0].OrderID, FilledQty: decimal.NewFromFloat(3), AvgFill: decimal.NewFromFloat(102),
	}
	pos.QtyOpen = decimal.NewFromFloat(10)
	m.OnOrderEvent(pos, tpOrder)

	assert.True(t, pos.TPLadder[0].Filled)
	assert.True(t, pos.QtyOpen.Equal(decimal.NewFromFloat(7)))
	assert.True(t, pos.RealisedR.GreaterThan(decimal.Zero))
}

func TestReplaceStopMovesProtection(t *testing.T) {
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	m := New(gw, preset.Default().PositionConfig)

	pos, xerr := m.Place(context.Background(), baseSignal(), decimal.NewFromFloat(10), types.Millis(1000))
	require.Nil(t, xerr)
	pos.QtyOpen = decimal.NewFromFloat(10)

	oldStopID := pos.StopOrderID
	xerr = m.ReplaceStop(context.Background(), pos, decimal.NewFromFloat(99), types.Millis(2000))
	require.Nil(t, xerr)

	assert.NotEqual(t, oldStopID, pos.StopOrderID)
	assert.True(t, pos.StopPrice.Equal(decimal.NewFromFloat(99)))

	oldOrder, err := gw.QueryOrder(context.Background(), oldStopID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, oldOrder.Status)
}
