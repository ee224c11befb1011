// Package signal implements SignalGenerator (spec.md §4.8): for a
// candidate and one of its levels, emits a momentum or retest Signal once
// microstructure evidence confirms a breakout, subject to market-quality,
// entry and cooldown gates. Cooldown tracking is adapted from the
// teacher's go-cache usage in internal/risk/core_service.go
// (PositionCache/RiskLimitCache).
package signal

import (
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/segmentio/ksuid"
	"github.com/shopspring/decimal"

	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// EvalInput is everything SignalGenerator needs to decide on one
// (symbol, level, side) pair in the current cycle. Generator performs no
// I/O; all microstructure reads happen upstream (Engine assembles this
// from TradesAggregator/DensityDetector/ActivityTracker/OrderBookManager).
type EvalInput struct {
	Symbol               string
	Side                 types.PositionSide
	Level                types.Level
	Close                types.Decimal
	AvgVolume            float64
	ConfirmationVolume   float64
	DensityEatenRatio    float64 // max eaten ratio of a density near the breakout side, 0 if none
	ActivityIndex        float64
	ActivityDropping     bool
	TPM                  float64
	TPMMean              float64
	PriorMomentumBreakAt types.Millis // zero if no prior momentum break recorded for this level/side
	HasOpenExposure      bool         // open position, open order, or a live cooldown already covers this (symbol,side)
	DistanceFromLevelBps float64
	FalseStartRecently   bool
	InSessionEdgeWindow  bool
	MarketQualityOK      bool
	Now                  types.Millis
}

// Result is the outcome of one Evaluate call.
type Result struct {
	Signal  *types.Signal
	Ok      bool
	Reason  string // populated when !Ok
}

// Generator emits Signals per spec.md §4.8.
type Generator struct {
	cfg      preset.SignalConfig
	cooldown *cache.Cache
}

func New(cfg preset.SignalConfig) *Generator {
	ttl := time.Duration(cfg.CooldownSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Generator{cfg: cfg, cooldown: cache.New(ttl, 2*ttl)}
}

func cooldownKey(symbol string, side types.PositionSide, strategy types.StrategyKind, levelPrice types.Decimal) string {
	return fmt.Sprintf("%s|%s|%s|%s", symbol, side, strategy, levelPrice.String())
}

// onCooldown reports whether a signal of this exact (symbol,level,side,
// strategy) was already emitted within the cooldown window (spec.md §3
// Signal "Emitted at most once per (symbol, level, side) within a cooldown
// window").
func (g *Generator) onCooldown(symbol string, side types.PositionSide, strategy types.StrategyKind, levelPrice types.Decimal) bool {
	_, found := g.cooldown.Get(cooldownKey(symbol, side, strategy, levelPrice))
	return found
}

func (g *Generator) markCooldown(symbol string, side types.PositionSide, strategy types.StrategyKind, levelPrice types.Decimal) {
	g.cooldown.SetDefault(cooldownKey(symbol, side, strategy, levelPrice), struct{}{})
}

// Evaluate decides, for one candidate/level/side, whether to emit a
// momentum signal, a retest signal, or nothing.
func (g *Generator) Evaluate(in EvalInput) Result {
	if in.HasOpenExposure {
		return Result{Reason: "existing_exposure"}
	}
	if !in.MarketQualityOK {
		return Result{Reason: "market_quality"}
	}
	if in.Level.VerticalFlag {
		return Result{Reason: "vertical_approach"}
	}
	if in.DistanceFromLevelBps > g.cfg.EntryRules.MaxDistanceFromLevelBps {
		return Result{Reason: "distance_from_level"}
	}
	if in.FalseStartRecently {
		return Result{Reason: "false_start"}
	}
	if in.InSessionEdgeWindow {
		return Result{Reason: "session_edge"}
	}

	momentum := g.tryMomentum(in)
	if momentum.Ok || momentum.Reason == "confidence_below_min" {
		return momentum
	}
	if in.PriorMomentumBreakAt != 0 {
		if res := g.tryRetest(in); res.Ok || res.Reason == "confidence_below_min" {
			return res
		}
	}
	if momentum.Reason == "cooldown" {
		return momentum
	}
	return Result{Reason: "no_setup"}
}

func (g *Generator) tryMomentum(in EvalInput) Result {
	if g.onCooldown(in.Symbol, in.Side, types.StrategyMomentum, in.Level.Price) {
		return Result{Reason: "cooldown"}
	}

	levelF, _ := in.Level.Price.Float64()
	closeF, _ := in.Close.Float64()
	breakBps := (closeF - levelF) / levelF * 10000
	if in.Side == types.PositionShort {
		breakBps = -breakBps
	}
	if breakBps < g.cfg.MomentumMinBreakBps {
		return Result{Reason: "insufficient_break"}
	}

	volumeConfirmed := in.AvgVolume > 0 && in.ConfirmationVolume >= g.cfg.VolumeConfirmationMultiplier*in.AvgVolume
	densityConfirmed := in.DensityEatenRatio >= g.cfg.EnterOnDensityEatRatio

	confirmed := densityConfirmed || volumeConfirmed
	if g.cfg.StrictMomentumGate {
		confirmed = densityConfirmed && volumeConfirmed
	}
	if !confirmed {
		return Result{Reason: "no_confirmation"}
	}

	entry := prelevelLimit(in.Level.Price, in.Side, g.cfg.PrelevelLimitOffsetBps)
	stop := stopFromLevel(in.Level.Price, in.Side, g.cfg.StopBufferBps)

	confidence := confidenceScore(in.Level.Strength, in.DensityEatenRatio, in.ActivityIndex, ratio01(in.ConfirmationVolume, in.AvgVolume))
	if confidence < g.cfg.MinConfidence {
		return Result{Reason: "confidence_below_min"}
	}

	sig := &types.Signal{
		ID: ksuid.New().String(), Symbol: in.Symbol, Side: in.Side,
		Strategy: types.StrategyMomentum, Level: in.Level, EntryPrice: entry,
		StopPrice: stop, Confidence: confidence, CreatedAt: in.Now,
	}
	g.markCooldown(in.Symbol, in.Side, types.StrategyMomentum, in.Level.Price)
	return Result{Signal: sig, Ok: true}
}

func (g *Generator) tryRetest(in EvalInput) Result {
	if g.onCooldown(in.Symbol, in.Side, types.StrategyRetest, in.Level.Price) {
		return Result{Reason: "cooldown"}
	}

	levelF, _ := in.Level.Price.Float64()
	closeF, _ := in.Close.Float64()
	distBps := math.Abs(closeF-levelF) / levelF * 10000
	if distBps > g.cfg.RetestBandBps {
		return Result{Reason: "not_in_retest_band"}
	}

	if in.TPMMean > 0 && in.TPM < g.cfg.TPMOnTouchFrac*in.TPMMean {
		return Result{Reason: "insufficient_touch_tpm"}
	}
	if in.ActivityDropping {
		return Result{Reason: "activity_dropping"}
	}

	entry := retestLimit(in.Level.Price, in.Side, g.cfg.RetestOffsetBps)
	stop := stopFromLevel(in.Level.Price, in.Side, g.cfg.StopBufferBps)

	confidence := confidenceScore(in.Level.Strength, in.DensityEatenRatio, in.ActivityIndex, ratio01(in.TPM, in.TPMMean))
	if confidence < g.cfg.MinConfidence {
		return Result{Reason: "confidence_below_min"}
	}

	sig := &types.Signal{
		ID: ksuid.New().String(), Symbol: in.Symbol, Side: in.Side,
		Strategy: types.StrategyRetest, Level: in.Level, EntryPrice: entry,
		StopPrice: stop, Confidence: confidence, CreatedAt: in.Now,
	}
	g.markCooldown(in.Symbol, in.Side, types.StrategyRetest, in.Level.Price)
	return Result{Signal: sig, Ok: true}
}

// prelevelLimit returns an aggressive limit price offsetBps inside the
// level on the breakout side (spec.md §4.8 momentum entry).
func prelevelLimit(level types.Decimal, side types.PositionSide, offsetBps float64) types.Decimal {
	offset := level.Mul(decimal.NewFromFloat(offsetBps / 10000))
	if side == types.PositionLong {
		return level.Sub(offset)
	}
	return level.Add(offset)
}

// retestLimit returns a limit price offsetBps from the level on the
// retest side (spec.md §4.8 retest entry).
func retestLimit(level types.Decimal, side types.PositionSide, offsetBps float64) types.Decimal {
	offset := level.Mul(decimal.NewFromFloat(offsetBps / 10000))
	if side == types.PositionLong {
		return level.Add(offset)
	}
	return level.Sub(offset)
}

// stopFromLevel returns the level ± stop_buffer_bps on the opposite side of
// the breakout (spec.md §4.8).
func stopFromLevel(level types.Decimal, side types.PositionSide, bufferBps float64) types.Decimal {
	offset := level.Mul(decimal.NewFromFloat(bufferBps / 10000))
	if side == types.PositionLong {
		return level.Sub(offset)
	}
	return level.Add(offset)
}

// confidenceScore combines level strength, density eaten ratio, activity
// index and volume/touch confirmation into [0,1] (spec.md §4.8).
func confidenceScore(levelStrength, densityEaten, activityIndex, confirmationRatio float64) float64 {
	activityComponent := (activityIndex + 10) / 20 // map [-10,10] -> [0,1]
	score := 0.35*levelStrength + 0.25*densityEaten + 0.15*activityComponent + 0.25*math.Min(confirmationRatio, 1.5)/1.5
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func ratio01(numerator, denominator float64) float64 {
	if denominator <= 0 {
		return 0
	}
	return numerator / denominator
}
