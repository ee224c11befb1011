package engine

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/breakoutengine/internal/position"
	"github.com/abdoElHodaky/breakoutengine/internal/risk"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// manageFSM steps every open position's FSM exactly once (spec.md §5 stage
// 7, §4.10), polling fresh order state first.
func (e *Engine) manageFSM(ctx context.Context) {
	now := types.NowMillis()
	for id, pos := range e.positions {
		if pos.FSM.Current == types.FSMClosed {
			continue
		}
		pos.BarsSinceEntry++
		e.applyFills(ctx, pos)

		in := position.StepInput{
			Now:               now,
			LastPrice:         e.lastPrice[pos.Symbol],
			EntryFilled:       pos.QtyOpen.GreaterThan(decimal.Zero),
			StopFilled:        e.orderCache[pos.StopOrderID].Status == types.OrderFilled,
			FirstTPFilled:     firstTPFilled(pos),
			FailedBreakoutHit: e.failedBreakout(pos),
			ActivityDropping:  e.active.SignalConfig.ActivityDropEnabled && e.activityMetrics[pos.Symbol].IsDropping,
			ExitAttemptFailed: e.exitAttemptFailed[id],
		}
		e.exitAttemptFailed[id] = false

		if xerr := e.fsm.Step(ctx, pos, in); xerr != nil {
			e.logger.Warn("fsm step failed", zap.String("position_id", id), zap.Error(xerr))
		}

		if pos.FSM.Current == types.FSMExiting && !pos.QtyOpen.IsZero() {
			e.ensureFlattening(ctx, pos, id, now)
		}

		if pos.FSM.Current == types.FSMClosed {
			risk.RecordTradeOutcome(&e.account, pos.RealisedR)
			if e.account.OpenPositions > 0 {
				e.account.OpenPositions--
			}
		}
	}
}

// ensureFlattening issues a MarketExit if EXITING has no live reduce-only
// order already working (spec.md §4.10, §4.11): covers failed_breakout,
// panic_exit and time_stop, whose natural resting orders never target full
// flattening the way a stop fill does.
func (e *Engine) ensureFlattening(ctx context.Context, pos *types.Position, id string, now types.Millis) {
	if pos.ExitOrderID != "" && e.orderCache[pos.ExitOrderID].Status != types.OrderFilled {
		return
	}
	if xerr := e.execMgr.MarketExit(ctx, pos, now); xerr != nil {
		e.exitAttemptFailed[id] = true
		e.logger.Warn("market exit failed", zap.String("position_id", id), zap.Error(xerr))
	}
}

func firstTPFilled(pos *types.Position) bool {
	return len(pos.TPLadder) > 0 && pos.TPLadder[0].Filled
}

// failedBreakout reports whether price has re-entered the broken level
// within ExitRules.FailedBreakoutBars of entry and within
// FailedBreakoutRetestThreshold of the level, per spec.md §4.10.
func (e *Engine) failedBreakout(pos *types.Position) bool {
	rules := e.active.PositionConfig.ExitRules
	if pos.BarsSinceEntry > rules.FailedBreakoutBars {
		return false
	}
	last, ok := e.lastPrice[pos.Symbol]
	if !ok {
		return false
	}
	levelF, _ := pos.LevelPrice.Float64()
	lastF, _ := last.Float64()
	if levelF == 0 {
		return false
	}

	var reentered bool
	if pos.Side == types.PositionLong {
		reentered = lastF <= levelF
	} else {
		reentered = lastF >= levelF
	}
	distPct := math.Abs(lastF-levelF) / levelF
	return reentered && distPct <= rules.FailedBreakoutRetestThreshold
}

// applyFills polls every child order of pos and folds newly-filled
// reduce-only legs into RealisedR/QtyOpen exactly once (spec.md §4.11).
func (e *Engine) applyFills(ctx context.Context, pos *types.Position) {
	e.pollAndApply(ctx, pos, pos.EntryOrderID, true)
	e.pollAndApply(ctx, pos, pos.StopOrderID, false)
	e.pollAndApply(ctx, pos, pos.ExitOrderID, false)
	for _, tp := range pos.TPLadder {
		e.pollAndApply(ctx, pos, tp.OrderID, false)
	}
}

func (e *Engine) pollAndApply(ctx context.Context, pos *types.Position, orderID string, isEntry bool) {
	if orderID == "" {
		return
	}
	order, err := e.gw.QueryOrder(ctx, orderID)
	if err != nil {
		return
	}
	e.orderCache[orderID] = order

	if isEntry {
		// Once the entry is fully filled its qty is final; re-applying it
		// would undo the reduce-only legs already folded into QtyOpen.
		if e.processedOrders[orderID] {
			return
		}
		e.execMgr.OnOrderEvent(pos, order)
		if order.Status == types.OrderFilled {
			e.processedOrders[orderID] = true
		}
		return
	}
	if order.Status != types.OrderFilled || e.processedOrders[orderID] {
		return
	}
	e.execMgr.OnOrderEvent(pos, order)
	e.processedOrders[orderID] = true
}
