package gateway

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func TestPaperGatewayMarketFill(t *testing.T) {
	g := NewPaperGateway(decimal.NewFromInt(10000), []string{"BTC-USD"})
	g.PushTrade(types.Trade{Symbol: "BTC-USD", Price: decimal.NewFromInt(50000), Size: decimal.NewFromInt(1), Side: types.SideBuy, Timestamp: types.NowMillis()})

	order, err := g.PlaceOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "c1", Symbol: "BTC-USD", Side: types.SideBuy, Kind: types.OrderMarket, Qty: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, order.Status)
	assert.True(t, order.AvgFill.Equal(decimal.NewFromInt(50000)))
}

func TestPaperGatewayIdempotentClientID(t *testing.T) {
	g := NewPaperGateway(decimal.NewFromInt(10000), nil)
	req := PlaceOrderRequest{ClientOrderID: "dup", Symbol: "BTC-USD", Side: types.SideBuy, Kind: types.OrderLimit, Qty: decimal.NewFromInt(1), Price: decPtr(decimal.NewFromInt(100))}

	o1, err := g.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	o2, err := g.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, o1.ID, o2.ID)
	assert.Len(t, g.orders, 1)
}

func TestPaperGatewayLimitFillOnTouch(t *testing.T) {
	g := NewPaperGateway(decimal.NewFromInt(10000), nil)
	order, err := g.PlaceOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "c2", Symbol: "ETH-USD", Side: types.SideBuy, Kind: types.OrderLimit, Qty: decimal.NewFromInt(2), Price: decPtr(decimal.NewFromInt(3000)),
	})
	require.NoError(t, err)
	assert.Equal(t, types.OrderOpen, order.Status)

	g.PushTrade(types.Trade{Symbol: "ETH-USD", Price: decimal.NewFromInt(2999), Size: decimal.NewFromInt(1), Side: types.SideSell, Timestamp: types.NowMillis()})

	filled, err := g.QueryOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, filled.Status)
}

func TestPaperGatewayBookDeltaFanout(t *testing.T) {
	g := NewPaperGateway(decimal.NewFromInt(10000), []string{"BTC-USD"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := g.BookDeltas(ctx, "BTC-USD")
	require.NoError(t, err)

	batch := types.BookDeltaBatch{
		Symbol:   "BTC-USD",
		Updates:  []types.BookUpdate{{Side: types.SideBuy, Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(2)}},
		Sequence: 1,
	}
	g.PushBookDelta(batch)

	select {
	case got := <-ch:
		assert.Equal(t, batch.Symbol, got.Symbol)
		assert.Equal(t, batch.Sequence, got.Sequence)
	default:
		t.Fatal("expected a buffered book delta")
	}
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }
