package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/breakoutengine/internal/gateway"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func newTestEngine(t *testing.T, gw *gateway.PaperGateway) *Engine {
	t.Helper()
	return New(gw, zap.NewNop(), Config{
		CandidateSymbols: []string{"BTC-USD"},
		CycleDeadline:    time.Hour, // tests drive cycles manually, never via the ticker
	})
}

func startEngine(t *testing.T, e *Engine, ctx context.Context) {
	t.Helper()
	cmd := Command{Verb: CmdStart, Preset: preset.Default(), Mode: gateway.ModePaper, Result: make(chan CommandResult, 1)}
	stop := e.processCommand(ctx, cmd)
	require.False(t, stop)
	res := <-cmd.Result
	require.True(t, res.Accepted, "start rejected: %s", res.Reason)
}

func seedFlatBook(t *testing.T, e *Engine, symbol string, mid float64) {
	t.Helper()
	bids := []types.BookLevel{{Price: decimal.NewFromFloat(mid - 1), Size: decimal.NewFromFloat(50)}}
	asks := []types.BookLevel{{Price: decimal.NewFromFloat(mid + 1), Size: decimal.NewFromFloat(50)}}
	xerr := e.books.ApplySnapshot(symbol, bids, asks, 1, types.NowMillis())
	require.Nil(t, xerr)
}

func seedCandles(e *Engine, symbol string, n int, volume float64) {
	candles := make([]types.Candle, n)
	now := types.NowMillis()
	for i := 0; i < n; i++ {
		candles[i] = types.Candle{
			Symbol: symbol, Close: decimal.NewFromFloat(30000),
			High: decimal.NewFromFloat(30005), Low: decimal.NewFromFloat(29995),
			Volume: decimal.NewFromFloat(volume), OpenTime: now - types.Millis(int64(n-i)*3600_000), Closed: true,
		}
	}
	e.candles[symbol] = candles
}

// TestCycleOpensAndAdvancesPositionOnMomentumBreakout exercises signal
// generation, sizing, execution and one FSM step for a momentum breakout
// confirmed by volume, the core scenario of spec.md §8.
func TestCycleOpensAndAdvancesPositionOnMomentumBreakout(t *testing.T) {
	ctx := context.Background()
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	e := newTestEngine(t, gw)
	startEngine(t, e, ctx)
	defer e.stopIngestion()

	seedCandles(e, "BTC-USD", 25, 10)
	seedFlatBook(t, e, "BTC-USD", 30000)

	last := types.Candle{
		Symbol: "BTC-USD", Close: decimal.NewFromFloat(30100),
		High: decimal.NewFromFloat(30110), Low: decimal.NewFromFloat(30000),
		Volume: decimal.NewFromFloat(100), OpenTime: types.NowMillis(), Closed: true,
	}
	e.candles["BTC-USD"] = append(e.candles["BTC-USD"], last)
	e.lastPrice["BTC-USD"] = decimal.NewFromFloat(30100)

	level := types.Level{
		Symbol: "BTC-USD", Price: decimal.NewFromFloat(30000), Side: types.LevelResistance,
		Strength: 0.8, VerticalFlag: false,
	}
	candidate := types.ScanCandidate{Symbol: "BTC-USD", Levels: []types.Level{level}}

	signals := e.generateSignals([]types.ScanCandidate{candidate})
	require.Len(t, signals, 1)
	require.Equal(t, types.StrategyMomentum, signals[0].Strategy)

	sized := e.sizeSignals(signals)
	require.Len(t, sized, 1)
	require.True(t, sized[0].qty.GreaterThan(decimal.Zero))

	e.executeSignals(ctx, sized)
	require.Len(t, e.positions, 1)

	var pos *types.Position
	for _, p := range e.positions {
		pos = p
	}
	require.Equal(t, types.FSMEntry, pos.FSM.Current)

	// Touch the resting entry limit so the paper gateway fills it.
	gw.PushTrade(types.Trade{Symbol: "BTC-USD", Price: pos.EntryPrice.Sub(decimal.NewFromFloat(1)), Side: types.SideSell, Size: decimal.NewFromFloat(1), Timestamp: types.NowMillis()})
	e.lastPrice["BTC-USD"] = pos.EntryPrice.Sub(decimal.NewFromFloat(1))

	e.manageFSM(ctx)
	require.Equal(t, types.FSMRunning, pos.FSM.Current)
	require.True(t, pos.QtyOpen.GreaterThan(decimal.Zero))
}

// TestKillSwitchCommandHaltsEngine verifies kill_switch is processed
// out-of-band and immediately halts the control state (spec.md §6).
func TestKillSwitchCommandHaltsEngine(t *testing.T) {
	ctx := context.Background()
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	e := newTestEngine(t, gw)
	startEngine(t, e, ctx)
	defer e.stopIngestion()

	cmd := Command{Verb: CmdKillSwitch, Result: make(chan CommandResult, 1)}
	stop := e.processCommand(ctx, cmd)
	require.False(t, stop)
	res := <-cmd.Result
	require.True(t, res.Accepted)

	require.Equal(t, StateHalted, e.State())
	require.False(t, e.readyToCycle())
}

// TestPanicExitFlattensOpenPositions verifies panic_exit advances every
// open position to EXITING and issues a reduce-only market order against
// it (spec.md §5, §4.11).
func TestPanicExitFlattensOpenPositions(t *testing.T) {
	ctx := context.Background()
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	e := newTestEngine(t, gw)
	startEngine(t, e, ctx)
	defer e.stopIngestion()

	gw.PushTrade(types.Trade{Symbol: "BTC-USD", Price: decimal.NewFromFloat(30000), Side: types.SideBuy, Size: decimal.NewFromFloat(1), Timestamp: types.NowMillis()})

	pos, xerr := e.execMgr.Place(ctx, types.Signal{
		Symbol: "BTC-USD", Side: types.PositionLong,
		EntryPrice: decimal.NewFromFloat(30000), StopPrice: decimal.NewFromFloat(29900),
		Level: types.Level{Price: decimal.NewFromFloat(30000), Side: types.LevelResistance},
	}, decimal.NewFromFloat(1), types.NowMillis())
	require.Nil(t, xerr)
	pos.QtyOpen = decimal.NewFromFloat(1) // simulate an already-filled entry
	e.positions[pos.ID] = pos

	e.forceExitAll(ctx, "panic_exit")

	require.Equal(t, types.FSMExiting, pos.FSM.Current)
	require.NotEmpty(t, pos.ExitOrderID)
}
