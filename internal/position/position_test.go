package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/breakoutengine/internal/execution"
	"github.com/abdoElHodaky/breakoutengine/internal/gateway"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func basePosition() *types.Position {
	return &types.Position{
		ID: "pos-1", Symbol: "BTC-USD", Side: types.PositionLong,
		EntryPrice: decimal.NewFromFloat(100), StopPrice: decimal.NewFromFloat(98),
		QtyOpen: decimal.NewFromFloat(10), QtyInitial: decimal.NewFromFloat(10),
		OpenedTS: types.Millis(0),
		FSM:      types.FSMState{Current: types.FSMEntry},
		EntryOrderID: "entry-1", StopOrderID: "stop-1",
	}
}

func newMachine() *Machine {
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	exec := execution.New(gw, preset.Default().PositionConfig)
	return New(preset.Default().PositionConfig, exec)
}

func TestStepEntryToRunningOnFill(t *testing.T) {
	m := newMachine()
	pos := basePosition()

	err := m.Step(context.Background(), pos, StepInput{Now: 1000, EntryFilled: true})
	require.Nil(t, err)
	assert.Equal(t, types.FSMRunning, pos.FSM.Current)
}

func TestStepEntryTimeoutStaysInEntryWhenCancelFails(t *testing.T) {
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	exec := execution.New(gw, preset.Default().PositionConfig)
	m := New(preset.Default().PositionConfig, exec)

	pos := basePosition()
	pos.BarsSinceEntry = 999
	pos.EntryOrderID = "" // unknown id: PaperGateway.CancelOrder rejects it, exercising the error path
	err := m.Step(context.Background(), pos, StepInput{Now: 2000})
	assert.NotNil(t, err)
	assert.Equal(t, types.FSMEntry, pos.FSM.Current) // cancel failed, no transition
}

func TestStepRunningShiftsToBreakeven(t *testing.T) {
	gw := gateway.NewPaperGateway(decimal.NewFromFloat(100_000), []string{"BTC-USD"})
	exec := execution.New(gw, preset.Default().PositionConfig)
	m := New(preset.Default().PositionConfig, exec)
	pos := basePosition()
	pos.FSM.Current = types.FSMRunning

	// ReplaceStop cancels the live stop first, so it must exist on the gateway.
	stop, perr := gw.PlaceOrder(context.Background(), gateway.PlaceOrderRequest{
		ClientOrderID: "stop-1", Symbol: "BTC-USD", Side: types.SideSell, Kind: types.OrderReduceOnly,
		Qty: pos.QtyOpen, Price: ptr(pos.StopPrice),
	})
	require.NoError(t, perr)
	pos.StopOrderID = stop.ID

	err := m.Step(context.Background(), pos, StepInput{Now: 1000, LastPrice: decimal.NewFromFloat(102)})
	require.Nil(t, err)
	assert.Equal(t, types.FSMBreakeven, pos.FSM.Current)
	assert.True(t, pos.StopPrice.GreaterThan(decimal.NewFromFloat(98)))
}

func TestStepRunningFamilyExitsOnStopHit(t *testing.T) {
	m := newMachine()
	pos := basePosition()
	pos.FSM.Current = types.FSMRunning

	err := m.Step(context.Background(), pos, StepInput{Now: 1000, LastPrice: decimal.NewFromFloat(98), StopFilled: true})
	require.Nil(t, err)
	assert.Equal(t, types.FSMExiting, pos.FSM.Current)
}

func TestStepBreakevenToPartialClosedOnTPFill(t *testing.T) {
	m := newMachine()
	pos := basePosition()
	pos.FSM.Current = types.FSMBreakeven

	err := m.Step(context.Background(), pos, StepInput{Now: 1000, LastPrice: decimal.NewFromFloat(102), FirstTPFilled: true})
	require.Nil(t, err)
	assert.Equal(t, types.FSMPartialClosed, pos.FSM.Current)
}

func TestTrailingStopNeverWidens(t *testing.T) {
	m := newMachine()
	pos := basePosition()
	pos.FSM.Current = types.FSMTrailing
	pos.StopPrice = decimal.NewFromFloat(101)

	// Price pulls back; a naive trailing calc off this lower price would
	// widen the stop, so it must be rejected.
	err := m.Step(context.Background(), pos, StepInput{Now: 1000, LastPrice: decimal.NewFromFloat(100.5)})
	require.Nil(t, err)
	assert.True(t, pos.StopPrice.Equal(decimal.NewFromFloat(101)))
}

func TestStepExitingClosesWhenQtyOpenZero(t *testing.T) {
	m := newMachine()
	pos := basePosition()
	pos.FSM.Current = types.FSMExiting
	pos.QtyOpen = decimal.Zero

	err := m.Step(context.Background(), pos, StepInput{Now: 1000})
	require.Nil(t, err)
	assert.Equal(t, types.FSMClosed, pos.FSM.Current)
}

func TestStepExitingAbandonsAfterPanicAttempts(t *testing.T) {
	m := newMachine()
	pos := basePosition()
	pos.FSM.Current = types.FSMExiting

	for i := 0; i < 3; i++ {
		_ = m.Step(context.Background(), pos, StepInput{Now: types.Millis(1000 + i), ExitAttemptFailed: true})
	}
	assert.Equal(t, types.FSMClosed, pos.FSM.Current)
	assert.True(t, pos.Abandoned)
}

func ptr(d types.Decimal) *types.Decimal { return &d }
