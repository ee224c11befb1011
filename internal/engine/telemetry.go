package engine

import (
	"time"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// Snapshot is the structured per-cycle telemetry frame Engine pushes onto
// its single-producer channel (spec.md §12 supplemented feature: no
// metrics exporter, just a drainable in-process snapshot).
type Snapshot struct {
	CycleCount       int64
	Taken            types.Millis
	CycleLatency     time.Duration
	State            State
	HaltReason       string
	PresetName       string
	Mode             string
	OpenPositions    int
	Equity           types.Decimal
	DailyLossR       float64
	ConsecutiveLosses int
	LastSignalTS     types.Millis
	Positions        []PositionSnapshot
}

// PositionSnapshot is the read-only per-position slice of a Snapshot.
type PositionSnapshot struct {
	ID       string
	Symbol   string
	Side     types.PositionSide
	FSMState types.FSMStateName
	QtyOpen  types.Decimal
	RealisedR types.Decimal
}

// emitTelemetry assembles and non-blockingly pushes one Snapshot (spec.md
// §5 stage 8 "telemetry emit"); a full channel drops the frame rather than
// stalling the control loop.
func (e *Engine) emitTelemetry(latency time.Duration) {
	snap := Snapshot{
		CycleCount:   e.cycleCount,
		Taken:        types.NowMillis(),
		CycleLatency: latency,
		State:        e.State(),
		Equity:       e.account.Equity,
		DailyLossR:   e.account.DailyLossR,
		ConsecutiveLosses: e.account.ConsecutiveLosses,
		LastSignalTS: e.lastSignalTS,
	}

	e.mu.RLock()
	snap.HaltReason = e.haltReason
	snap.Mode = string(e.mode)
	if e.active != nil {
		snap.PresetName = e.active.Name
	}
	e.mu.RUnlock()

	for _, pos := range e.positions {
		if pos.FSM.Current != types.FSMClosed {
			snap.OpenPositions++
		}
		snap.Positions = append(snap.Positions, PositionSnapshot{
			ID: pos.ID, Symbol: pos.Symbol, Side: pos.Side,
			FSMState: pos.FSM.Current, QtyOpen: pos.QtyOpen, RealisedR: pos.RealisedR,
		})
	}

	select {
	case e.telemetry <- snap:
	default:
	}
}
