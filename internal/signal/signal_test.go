package signal

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

func baseLevel() types.Level {
	return types.Level{
		Symbol: "BTC-USD", Price: decimal.NewFromFloat(100), Side: types.LevelResistance,
		Strength: 0.8, TouchCount: 3,
	}
}

func baseInput(cfg preset.SignalConfig) EvalInput {
	return EvalInput{
		Symbol: "BTC-USD", Side: types.PositionLong, Level: baseLevel(),
		Close: decimal.NewFromFloat(100.5), AvgVolume: 1000, ConfirmationVolume: 2500,
		DensityEatenRatio: 0.9, ActivityIndex: 2, TPM: 10, TPMMean: 8,
		MarketQualityOK: true, Now: types.Millis(1000),
	}
}

func TestEvaluateEmitsMomentumSignal(t *testing.T) {
	p := preset.Default()
	g := New(p.SignalConfig)

	res := g.Evaluate(baseInput(p.SignalConfig))
	require.True(t, res.Ok, "reason: %s", res.Reason)
	require.NotNil(t, res.Signal)
	assert.Equal(t, types.StrategyMomentum, res.Signal.Strategy)
	assert.Greater(t, res.Signal.Confidence, 0.0)
}

func TestEvaluateRespectsCooldown(t *testing.T) {
	p := preset.Default()
	g := New(p.SignalConfig)

	in := baseInput(p.SignalConfig)
	first := g.Evaluate(in)
	require.True(t, first.Ok)

	second := g.Evaluate(in)
	assert.False(t, second.Ok)
	assert.Equal(t, "cooldown", second.Reason)
}

func TestEvaluateRejectsVerticalApproach(t *testing.T) {
	p := preset.Default()
	g := New(p.SignalConfig)

	in := baseInput(p.SignalConfig)
	in.Level.VerticalFlag = true

	res := g.Evaluate(in)
	assert.False(t, res.Ok)
	assert.Equal(t, "vertical_approach", res.Reason)
}

func TestEvaluateRejectsInsufficientBreak(t *testing.T) {
	p := preset.Default()
	g := New(p.SignalConfig)

	in := baseInput(p.SignalConfig)
	in.Close = decimal.NewFromFloat(100.01)

	res := g.Evaluate(in)
	assert.False(t, res.Ok)
	assert.Equal(t, "no_setup", res.Reason)
}

func TestEvaluateStrictGateRequiresBothConfirmations(t *testing.T) {
	p := preset.Default()
	p.SignalConfig.StrictMomentumGate = true
	g := New(p.SignalConfig)

	in := baseInput(p.SignalConfig)
	in.ConfirmationVolume = 0 // volume confirmation fails, density still passes

	res := g.Evaluate(in)
	assert.False(t, res.Ok)
	assert.Equal(t, "no_setup", res.Reason)
}

func TestEvaluateRetestAfterPriorMomentumBreak(t *testing.T) {
	p := preset.Default()
	g := New(p.SignalConfig)

	in := baseInput(p.SignalConfig)
	in.Close = decimal.NewFromFloat(100.03) // inside retest band, below momentum break threshold
	in.PriorMomentumBreakAt = types.Millis(500)

	res := g.Evaluate(in)
	require.True(t, res.Ok, "reason: %s", res.Reason)
	assert.Equal(t, types.StrategyRetest, res.Signal.Strategy)
}

func TestEvaluateRejectsExistingExposure(t *testing.T) {
	p := preset.Default()
	g := New(p.SignalConfig)

	in := baseInput(p.SignalConfig)
	in.HasOpenExposure = true

	res := g.Evaluate(in)
	assert.False(t, res.Ok)
	assert.Equal(t, "existing_exposure", res.Reason)
}
