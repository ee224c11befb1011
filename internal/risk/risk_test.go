package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func baseAccount() AccountState {
	return AccountState{
		Equity:             decimal.NewFromFloat(100_000),
		OpenPositions:      1,
		RealisedLossTodayR: 0,
		DailyLossR:         0,
		ConsecutiveLosses:  0,
	}
}

func baseSignal() types.Signal {
	return types.Signal{
		Symbol: "BTC-USD", Side: types.PositionLong,
		EntryPrice: decimal.NewFromFloat(100), StopPrice: decimal.NewFromFloat(98),
	}
}

func TestSizeAcceptsWithinBudget(t *testing.T) {
	m := New(preset.Default().Risk)
	res := m.Size(SizingRequest{
		Signal: baseSignal(), StepSize: decimal.NewFromFloat(0.001),
		MinQty: decimal.NewFromFloat(0.01), Account: baseAccount(),
	})
	require.True(t, res.Accepted, "reason: %s", res.Reason)
	// risk_per_trade=0.01, equity=100000 -> 1000 risk / 2 risk distance = 500 qty
	assert.True(t, res.Qty.GreaterThan(decimal.Zero))
}

func TestSizeRejectsMaxConcurrentPositions(t *testing.T) {
	m := New(preset.Default().Risk)
	acct := baseAccount()
	acct.OpenPositions = 5

	res := m.Size(SizingRequest{Signal: baseSignal(), StepSize: decimal.NewFromFloat(0.001), MinQty: decimal.NewFromFloat(0.01), Account: acct})
	assert.False(t, res.Accepted)
	assert.Equal(t, "max_concurrent_positions", res.Reason)
}

func TestSizeRejectsKillSwitchConsecutiveLosses(t *testing.T) {
	m := New(preset.Default().Risk)
	acct := baseAccount()
	acct.ConsecutiveLosses = 6

	res := m.Size(SizingRequest{Signal: baseSignal(), StepSize: decimal.NewFromFloat(0.001), MinQty: decimal.NewFromFloat(0.01), Account: acct})
	assert.False(t, res.Accepted)
	assert.Equal(t, "kill_switch_active", res.Reason)

	tripped, reason := m.KillSwitchTripped(acct)
	assert.True(t, tripped)
	assert.Equal(t, "consecutive_losses", reason)
}

func TestSizeRejectsQtyBelowMin(t *testing.T) {
	m := New(preset.Default().Risk)
	acct := baseAccount()
	acct.Equity = decimal.NewFromFloat(1) // tiny equity -> tiny risk budget -> qty rounds below min

	res := m.Size(SizingRequest{Signal: baseSignal(), StepSize: decimal.NewFromFloat(0.001), MinQty: decimal.NewFromFloat(0.01), Account: acct})
	assert.False(t, res.Accepted)
	assert.Equal(t, "qty_below_min", res.Reason)
}

func TestSizeRejectsBTCCorrelationCap(t *testing.T) {
	m := New(preset.Default().Risk)
	acct := baseAccount()
	acct.BTCCorrelatedOpenRiskR = 0.6

	res := m.Size(SizingRequest{
		Signal: baseSignal(), StepSize: decimal.NewFromFloat(0.001), MinQty: decimal.NewFromFloat(0.01),
		Account: acct, BTCCorrelated: true,
	})
	assert.False(t, res.Accepted)
	assert.Equal(t, "btc_correlation_cap", res.Reason)
}

func TestRecordTradeOutcomeTracksConsecutiveLosses(t *testing.T) {
	acct := baseAccount()
	RecordTradeOutcome(&acct, decimal.NewFromFloat(-1.5))
	assert.Equal(t, 1, acct.ConsecutiveLosses)
	assert.InDelta(t, 1.5, acct.RealisedLossTodayR, 1e-9)

	RecordTradeOutcome(&acct, decimal.NewFromFloat(2.0))
	assert.Equal(t, 0, acct.ConsecutiveLosses)
}

func TestFloorToStep(t *testing.T) {
	qty := floorToStep(decimal.NewFromFloat(1.2345), decimal.NewFromFloat(0.01))
	assert.True(t, qty.Equal(decimal.NewFromFloat(1.23)))
}
