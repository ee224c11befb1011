package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/breakoutengine/internal/risk"
	"github.com/abdoElHodaky/breakoutengine/internal/signal"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// defaultStepSize/defaultMinQty are the exchange-step fallbacks used when
// sizing a signal; a live gateway integration would source these per
// symbol from an instrument catalogue, which is out of scope here (spec.md
// §1 Non-goals: no exchange connectivity).
var (
	defaultStepSize = decimal.NewFromFloat(0.0001)
	defaultMinQty   = decimal.NewFromFloat(0.0001)
)

// runCycle executes exactly one pass of spec.md §5's fixed stage order:
// market-data drain, density/activity refresh, level building, scanning,
// signal generation, sizing, execution, then FSM management over every
// open position.
func (e *Engine) runCycle(ctx context.Context) {
	started := time.Now()
	e.cycleCount++

	e.drainMarketData()
	e.refreshMicrostructure()

	e.mu.RLock()
	paused := e.paused
	e.mu.RUnlock()

	if !paused {
		e.setState(StateLevelBuilding)
		levelsBySymbol := e.rebuildLevels()

		e.setState(StateScanning)
		candidates := e.scanCandidates(levelsBySymbol)

		e.setState(StateSignalWait)
		signals := e.generateSignals(candidates)

		e.setState(StateSizing)
		sized := e.sizeSignals(signals)

		e.setState(StateExecution)
		e.executeSignals(ctx, sized)
	}

	e.setState(StateManaging)
	e.manageFSM(ctx)

	if tripped, reason := e.riskMgr.KillSwitchTripped(e.account); tripped {
		e.mu.Lock()
		e.halted = true
		e.haltReason = reason
		e.mu.Unlock()
		e.setState(StateHalted)
	} else if e.State() != StateHalted {
		e.setState(StateScanning)
	}

	e.emitTelemetry(time.Since(started))
}

// generateSignals evaluates SignalGenerator against every scanned
// candidate's levels (spec.md §5 stage 4, §4.8). One breakout direction is
// tried per level: resistance levels are long breakouts, support levels
// are short breakdowns.
func (e *Engine) generateSignals(candidates []types.ScanCandidate) []types.Signal {
	var out []types.Signal
	now := types.NowMillis()

	for _, cand := range candidates {
		candles := e.candles[cand.Symbol]
		if len(candles) == 0 {
			continue
		}
		last := candles[len(candles)-1]

		for _, lvl := range cand.Levels {
			side := types.PositionLong
			if lvl.Side == types.LevelSupport {
				side = types.PositionShort
			}
			if e.hasOpenExposure(cand.Symbol, side) {
				continue
			}

			in := e.buildEvalInput(cand, lvl, side, last, now)
			res := e.sigGen.Evaluate(in)
			if !res.Ok || res.Signal == nil {
				continue
			}
			if res.Signal.Strategy == types.StrategyMomentum {
				e.priorBreak[breakKey(cand.Symbol, side, lvl.Price)] = now
			}
			out = append(out, *res.Signal)
			e.lastSignalTS = now
		}
	}
	return out
}

func breakKey(symbol string, side types.PositionSide, levelPrice types.Decimal) string {
	return fmt.Sprintf("%s|%s|%s", symbol, side, levelPrice.String())
}

func (e *Engine) hasOpenExposure(symbol string, side types.PositionSide) bool {
	for _, pos := range e.positions {
		if pos.Symbol == symbol && pos.Side == side && pos.FSM.Current != types.FSMClosed {
			return true
		}
	}
	return false
}

func (e *Engine) buildEvalInput(cand types.ScanCandidate, lvl types.Level, side types.PositionSide, last types.Candle, now types.Millis) signal.EvalInput {
	volumes := volumesOf(e.candles[cand.Symbol])
	avgVolume := mean(volumes[:max0(len(volumes)-1)])
	confirmationVolume, _ := last.Volume.Float64()

	densityEaten := 0.0
	wantSide := types.SideBuy
	if side == types.PositionShort {
		wantSide = types.SideSell
	}
	for _, d := range e.density.Snapshot(cand.Symbol) {
		if d.Side == wantSide && d.EatenRatio > densityEaten {
			densityEaten = d.EatenRatio
		}
	}

	metrics := e.activityMetrics[cand.Symbol]
	tpm := e.trades.Tpm(cand.Symbol, activityWindowS)
	tpmMean := e.trades.Tpm(cand.Symbol, 600)

	closeF, _ := last.Close.Float64()
	levelF, _ := lvl.Price.Float64()
	distanceBps := 0.0
	if levelF != 0 {
		distanceBps = absFloat(closeF-levelF) / levelF * 10000
	}

	return signal.EvalInput{
		Symbol: cand.Symbol, Side: side, Level: lvl, Close: last.Close,
		AvgVolume: avgVolume, ConfirmationVolume: confirmationVolume,
		DensityEatenRatio: densityEaten, ActivityIndex: metrics.Index,
		ActivityDropping: metrics.IsDropping, TPM: tpm, TPMMean: tpmMean,
		PriorMomentumBreakAt: e.priorBreak[breakKey(cand.Symbol, side, lvl.Price)],
		HasOpenExposure:      false, // already filtered by the caller
		DistanceFromLevelBps: distanceBps,
		FalseStartRecently:   false,
		InSessionEdgeWindow:  false,
		MarketQualityOK:      !e.books.IsStale(cand.Symbol) && len(e.candles[cand.Symbol]) >= 20,
		Now:                  now,
	}
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

type sizedSignal struct {
	signal        types.Signal
	qty           types.Decimal
	btcCorrelated bool
}

// sizeSignals runs RiskManager.Size against every candidate signal in
// order, updating the working AccountState as positions would be opened so
// later signals in the same cycle see the tightened budget (spec.md §5
// stage 5, §4.9).
func (e *Engine) sizeSignals(signals []types.Signal) []sizedSignal {
	var out []sizedSignal
	for _, sig := range signals {
		req := risk.SizingRequest{
			Signal: sig, StepSize: defaultStepSize, MinQty: defaultMinQty,
			Account: e.account, BTCCorrelated: sig.Symbol != btcSymbol,
		}
		res := e.riskMgr.Size(req)
		if !res.Accepted {
			e.logger.Debug("signal rejected by risk sizing",
				zap.String("symbol", sig.Symbol), zap.String("reason", res.Reason))
			continue
		}
		out = append(out, sizedSignal{signal: sig, qty: res.Qty, btcCorrelated: req.BTCCorrelated})
		e.account.OpenPositions++
		e.account.OpenRiskR += 1.0
		if req.BTCCorrelated {
			e.account.BTCCorrelatedOpenRiskR += 1.0
		}
	}
	return out
}

// executeSignals places each sized signal's child orders and registers the
// resulting Position (spec.md §5 stage 6, §4.11). A placement failure
// reverts the speculative budget sizeSignals reserved for it so a later
// cycle sees the true open risk again.
func (e *Engine) executeSignals(ctx context.Context, sized []sizedSignal) {
	now := types.NowMillis()
	for _, s := range sized {
		pos, xerr := e.execMgr.Place(ctx, s.signal, s.qty, now)
		if xerr != nil {
			e.logger.Warn("signal execution failed", zap.String("symbol", s.signal.Symbol), zap.Error(xerr))
			e.account.OpenPositions--
			e.account.OpenRiskR -= 1.0
			if s.btcCorrelated {
				e.account.BTCCorrelatedOpenRiskR -= 1.0
			}
			continue
		}
		e.positions[pos.ID] = pos
	}
}
