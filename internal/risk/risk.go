// Package risk implements RiskManager (spec.md §4.9): sizes a signal
// against the account's risk budget and enforces the concurrent-position,
// daily-risk, correlation and kill-switch caps. Generalized from the
// teacher's rule-registry pattern in internal/risk/management, collapsed
// from a pluggable rule engine into the spec's concrete fixed caps.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
	"github.com/abdoElHodaky/breakoutengine/internal/xerrors"
)

// AccountState is the subset of book-keeping RiskManager needs from the
// Engine's Position registry each cycle; RiskManager holds none of it.
type AccountState struct {
	Equity              types.Decimal
	OpenPositions        int
	OpenRiskR            float64 // sum of open positions' initial R already committed
	RealisedLossTodayR   float64
	DailyLossR           float64
	ConsecutiveLosses    int
	BTCCorrelatedOpenRiskR float64
}

// SizingRequest is the input to Size.
type SizingRequest struct {
	Signal      types.Signal
	StepSize    types.Decimal // exchange qty step
	MinQty      types.Decimal
	Account     AccountState
	BTCCorrelated bool // whether this symbol counts against the BTC-correlation cap
}

// SizingResult is RiskManager's verdict: either a sized qty, or a
// rejection reason code (spec.md §4.9).
type SizingResult struct {
	Qty      types.Decimal
	Accepted bool
	Reason   string
}

// Manager owns no mutable state of its own; AccountState flows in from the
// Engine's Position/Order registries each cycle.
type Manager struct {
	cfg preset.Risk
}

func New(cfg preset.Risk) *Manager {
	return &Manager{cfg: cfg}
}

// KillSwitchTripped reports whether the daily-loss or consecutive-loss cap
// has been breached (spec.md §4.9 "engine transitions to HALTED until
// manually reset").
func (m *Manager) KillSwitchTripped(acct AccountState) (bool, string) {
	if acct.DailyLossR >= m.cfg.KillSwitchLossR {
		return true, "daily_loss_limit"
	}
	if acct.ConsecutiveLosses >= m.cfg.KillSwitchConsecutive {
		return true, "consecutive_losses"
	}
	return false, ""
}

// Size computes a position quantity for a signal, applying every cap
// before returning an accepted sizing (spec.md §4.9).
func (m *Manager) Size(req SizingRequest) SizingResult {
	if tripped, _ := m.KillSwitchTripped(req.Account); tripped {
		return SizingResult{Reason: "kill_switch_active"}
	}
	if req.Account.OpenPositions >= m.cfg.MaxConcurrentPositions {
		return SizingResult{Reason: "max_concurrent_positions"}
	}

	// DailyRiskLimit and RiskPerTrade are both fractions of equity, so the
	// daily budget in R is their ratio (0.05 / 0.01 = 5R).
	dailyBudgetR := 0.0
	if m.cfg.RiskPerTrade > 0 {
		dailyBudgetR = m.cfg.DailyRiskLimit / m.cfg.RiskPerTrade
	}
	remainingDailyRisk := dailyBudgetR - req.Account.RealisedLossTodayR
	if remainingDailyRisk <= 0 {
		return SizingResult{Reason: "daily_risk_limit"}
	}

	if req.BTCCorrelated && req.Account.BTCCorrelatedOpenRiskR >= m.cfg.BTCCorrelationCap {
		return SizingResult{Reason: "btc_correlation_cap"}
	}

	// A filled signal commits exactly 1R of the daily budget by construction
	// (qty is sized so that entry-to-stop loss equals risk_per_trade*equity).
	if remainingDailyRisk < 1.0 {
		return SizingResult{Reason: "daily_risk_limit"}
	}

	riskBudget := req.Account.Equity.Mul(decimal.NewFromFloat(m.cfg.RiskPerTrade))
	riskDistance := req.Signal.EntryPrice.Sub(req.Signal.StopPrice).Abs()
	if riskDistance.IsZero() {
		return SizingResult{Reason: "zero_risk_distance"}
	}

	qty := riskBudget.Div(riskDistance)
	qty = floorToStep(qty, req.StepSize)

	if qty.LessThan(req.MinQty) || qty.IsZero() {
		return SizingResult{Reason: "qty_below_min"}
	}

	return SizingResult{Qty: qty, Accepted: true}
}

// floorToStep rounds qty down to the nearest multiple of step (spec.md
// §4.9 "qty is floored to exchange step size").
func floorToStep(qty, step types.Decimal) types.Decimal {
	if step.IsZero() {
		return qty
	}
	div := qty.Div(step).Floor()
	return div.Mul(step)
}

// RecordTradeOutcome is called by the Engine when a position closes, so
// callers can maintain AccountState.ConsecutiveLosses/RealisedLossTodayR
// for subsequent Size calls. RiskManager itself is stateless; this helper
// just encodes the update rule in one place.
func RecordTradeOutcome(acct *AccountState, realisedR types.Decimal) {
	r, _ := realisedR.Float64()
	if r < 0 {
		acct.ConsecutiveLosses++
		acct.RealisedLossTodayR += -r
		acct.DailyLossR += -r
	} else {
		acct.ConsecutiveLosses = 0
	}
}

// ErrorFor converts a SizingResult rejection reason into a structured
// xerrors.Error for callers that need the taxonomy (spec.md §7).
func ErrorFor(res SizingResult) *xerrors.Error {
	if res.Accepted {
		return nil
	}
	switch res.Reason {
	case "kill_switch_active":
		return xerrors.New(xerrors.CategoryInvariantViolation, xerrors.CodeKillSwitch, "kill switch active")
	case "qty_below_min":
		return xerrors.New(xerrors.CategoryBusinessRejection, xerrors.CodeQtyBelowMin, "sized quantity below exchange minimum")
	default:
		return xerrors.New(xerrors.CategoryBusinessRejection, xerrors.CodeRiskCapExceeded, res.Reason)
	}
}
