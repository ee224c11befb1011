// Package position implements PositionFSM (spec.md §4.10): the per-position
// state machine from ENTRY through RUNNING, BREAKEVEN, PARTIAL_CLOSED,
// TRAILING, EXITING to CLOSED, enforcing monotone stop movement. Adapted
// from the teacher's internal/architecture/state package shape
// (state/transition/history), generalized away from its generic DI
// registration into one concrete machine over types.Position.
package position

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/abdoElHodaky/breakoutengine/internal/execution"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
	"github.com/abdoElHodaky/breakoutengine/internal/xerrors"
)

// StepInput is everything the Engine knows about a position this cycle
// that the machine did not already derive from the Position itself.
type StepInput struct {
	Now                 types.Millis
	LastPrice           types.Decimal
	EntryFilled         bool
	StopFilled          bool
	FirstTPFilled       bool
	FailedBreakoutHit   bool
	ActivityDropping    bool
	ExitAttemptFailed   bool // a reduce-only market order issued during EXITING failed to place/fill
}

// Machine drives one position's FSM per spec.md §4.10. It holds no
// per-position state; everything mutated lives on the *types.Position
// passed to Step.
type Machine struct {
	cfg  preset.PositionConfig
	exec *execution.Manager
}

func New(cfg preset.PositionConfig, exec *execution.Manager) *Machine {
	return &Machine{cfg: cfg, exec: exec}
}

// Step advances pos by exactly one FSM transition, or none, per cycle.
func (m *Machine) Step(ctx context.Context, pos *types.Position, in StepInput) *xerrors.Error {
	switch pos.FSM.Current {
	case types.FSMEntry:
		return m.stepEntry(ctx, pos, in)
	case types.FSMRunning, types.FSMBreakeven, types.FSMPartialClosed, types.FSMTrailing:
		return m.stepRunningFamily(ctx, pos, in)
	case types.FSMExiting:
		return m.stepExiting(pos, in)
	default: // FSMClosed
		return nil
	}
}

func (m *Machine) stepEntry(ctx context.Context, pos *types.Position, in StepInput) *xerrors.Error {
	if in.EntryFilled {
		pos.FSM.Advance(types.FSMRunning, "entry_filled", in.Now)
		return nil
	}
	if pos.BarsSinceEntry > m.cfg.FSMConfig.EntryConfirmationBars {
		if err := m.exec.Cancel(ctx, pos.EntryOrderID); err != nil {
			return err
		}
		pos.QtyOpen = decimal.Zero
		pos.FSM.Advance(types.FSMClosed, "entry_timeout", in.Now)
	}
	return nil
}

// stepRunningFamily handles the shared exit triggers for RUNNING,
// BREAKEVEN, PARTIAL_CLOSED and TRAILING before any state-specific
// progression (spec.md §4.10 "any RUNNING-family").
func (m *Machine) stepRunningFamily(ctx context.Context, pos *types.Position, in StepInput) *xerrors.Error {
	if in.StopFilled {
		pos.FSM.Advance(types.FSMExiting, "stop_hit", in.Now)
		return nil
	}
	if in.FailedBreakoutHit {
		pos.FSM.Advance(types.FSMExiting, "failed_breakout", in.Now)
		return nil
	}
	if in.ActivityDropping {
		// activity_drop_enabled gates this upstream (SignalConfig); the
		// engine only sets ActivityDropping when that flag is on.
		pos.FSM.Advance(types.FSMExiting, "panic_exit", in.Now)
		return nil
	}
	if m.holdTimeExceeded(pos, in.Now) {
		pos.FSM.Advance(types.FSMExiting, "time_stop", in.Now)
		return nil
	}

	switch pos.FSM.Current {
	case types.FSMRunning:
		return m.stepRunning(ctx, pos, in)
	case types.FSMBreakeven:
		return m.stepBreakeven(pos, in)
	case types.FSMPartialClosed:
		return m.stepPartialClosed(pos, in)
	case types.FSMTrailing:
		return m.stepTrailing(ctx, pos, in)
	}
	return nil
}

func (m *Machine) holdTimeExceeded(pos *types.Position, now types.Millis) bool {
	if m.cfg.MaxHoldTimeHours <= 0 {
		return false
	}
	elapsedHours := float64(now-pos.OpenedTS) / (1000 * 60 * 60)
	return elapsedHours >= m.cfg.MaxHoldTimeHours
}

func (m *Machine) stepRunning(ctx context.Context, pos *types.Position, in StepInput) *xerrors.Error {
	unrealised := pos.RFromPrice(in.LastPrice)
	trigger := decimal.NewFromFloat(m.cfg.Breakeven.TriggerR)
	if unrealised.LessThan(trigger) {
		return nil
	}

	newStop := breakevenStop(pos, m.cfg.Breakeven.BufferBps)
	if improvesStop(pos, newStop) {
		if err := m.exec.ReplaceStop(ctx, pos, newStop, in.Now); err != nil {
			return err
		}
	}
	pos.FSM.Advance(types.FSMBreakeven, "breakeven_trigger", in.Now)
	return nil
}

func (m *Machine) stepBreakeven(pos *types.Position, in StepInput) *xerrors.Error {
	if in.FirstTPFilled {
		pos.FSM.Advance(types.FSMPartialClosed, "first_tp_filled", in.Now)
	}
	return nil
}

func (m *Machine) stepPartialClosed(pos *types.Position, in StepInput) *xerrors.Error {
	unrealised := pos.RFromPrice(in.LastPrice)
	if unrealised.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.Trailing.ActivationR)) {
		pos.FSM.Advance(types.FSMTrailing, "trailing_activated", in.Now)
	}
	return nil
}

func (m *Machine) stepTrailing(ctx context.Context, pos *types.Position, in StepInput) *xerrors.Error {
	unrealised := pos.RFromPrice(in.LastPrice)
	stepBps := m.cfg.Trailing.StepBps
	if unrealised.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.Trailing.AccelAfterR)) {
		stepBps = m.cfg.Trailing.AccelStepBps
	}

	newStop := trailingStop(pos, in.LastPrice, stepBps)
	if improvesStop(pos, newStop) {
		if err := m.exec.ReplaceStop(ctx, pos, newStop, in.Now); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) stepExiting(pos *types.Position, in StepInput) *xerrors.Error {
	if pos.QtyOpen.IsZero() {
		pos.FSM.Advance(types.FSMClosed, "exit_complete", in.Now)
		return nil
	}
	if in.ExitAttemptFailed {
		pos.ExitAttempts++
		if pos.ExitAttempts >= m.cfg.FSMConfig.ExitingPanicAfterAttempts {
			pos.Abandoned = true
			pos.FSM.Advance(types.FSMClosed, "panic", in.Now)
		}
	}
	return nil
}

// breakevenStop shifts the stop to entry plus/minus a buffer, in the
// position's favour.
func breakevenStop(pos *types.Position, bufferBps float64) types.Decimal {
	buffer := pos.EntryPrice.Mul(decimal.NewFromFloat(bufferBps / 10000))
	if pos.Side == types.PositionLong {
		return pos.EntryPrice.Add(buffer)
	}
	return pos.EntryPrice.Sub(buffer)
}

// trailingStop computes a stop stepBps behind the last price.
func trailingStop(pos *types.Position, lastPrice types.Decimal, stepBps float64) types.Decimal {
	distance := lastPrice.Mul(decimal.NewFromFloat(stepBps / 10000))
	if pos.Side == types.PositionLong {
		return lastPrice.Sub(distance)
	}
	return lastPrice.Add(distance)
}

// improvesStop reports whether newStop moves in the favourable direction
// relative to pos's current stop (spec.md §3 Position invariant: "stop
// price may only move in the favourable direction").
func improvesStop(pos *types.Position, newStop types.Decimal) bool {
	if pos.Side == types.PositionLong {
		return newStop.GreaterThan(pos.StopPrice)
	}
	return newStop.LessThan(pos.StopPrice)
}
