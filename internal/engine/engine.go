// Package engine implements Engine (spec.md §4.12): the single-writer
// control loop that advances the top-level IDLE -> INITIALIZING ->
// SCANNING -> LEVEL_BUILDING -> SIGNAL_WAIT -> SIZING -> EXECUTION ->
// MANAGING state machine, dispatching to every component in
// internal/microstructure, internal/levels, internal/filter,
// internal/scanner, internal/signal, internal/risk, internal/execution
// and internal/position each cycle. Generalized from the teacher's
// ticker+channel drain loop (internal/risk/engine/batch_processor.go) and
// its cycle state machine shape (internal/risk/engine/realtime_engine_core.go),
// collapsed from a pluggable risk-check pipeline into this module's
// concrete scan->signal->risk->execution->FSM cycle.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/breakoutengine/internal/execution"
	"github.com/abdoElHodaky/breakoutengine/internal/filter"
	"github.com/abdoElHodaky/breakoutengine/internal/gateway"
	"github.com/abdoElHodaky/breakoutengine/internal/levels"
	"github.com/abdoElHodaky/breakoutengine/internal/microstructure"
	"github.com/abdoElHodaky/breakoutengine/internal/position"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/risk"
	"github.com/abdoElHodaky/breakoutengine/internal/scanner"
	"github.com/abdoElHodaky/breakoutengine/internal/signal"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// State is the Engine's top-level control state (spec.md §4.12).
type State string

const (
	StateIdle          State = "IDLE"
	StateInitializing  State = "INITIALIZING"
	StateScanning      State = "SCANNING"
	StateLevelBuilding State = "LEVEL_BUILDING"
	StateSignalWait    State = "SIGNAL_WAIT"
	StateSizing        State = "SIZING"
	StateExecution     State = "EXECUTION"
	StateManaging      State = "MANAGING"
	StateEmergency     State = "EMERGENCY" // reserved: no transition currently enters it, see DESIGN.md
	StateHalted        State = "HALTED"
	StateStopped       State = "STOPPED"
)

// CommandVerb enumerates the control-plane verbs of spec.md §6.
type CommandVerb string

const (
	CmdStart     CommandVerb = "start"
	CmdStop      CommandVerb = "stop"
	CmdPause     CommandVerb = "pause"
	CmdResume    CommandVerb = "resume"
	CmdTimeStop  CommandVerb = "time_stop"
	CmdPanicExit CommandVerb = "panic_exit"
	CmdKillSwitch CommandVerb = "kill_switch"
	CmdRetry     CommandVerb = "retry"
)

// Command is one control-plane request (spec.md §6). Result, if non-nil,
// receives exactly one CommandResult.
type Command struct {
	Verb   CommandVerb
	Preset *preset.Preset // for start; already loaded/validated externally per spec.md §1
	Mode   gateway.Mode   // for start
	Result chan CommandResult
}

// CommandResult is the accepted/rejected verdict for a Command (spec.md §6).
type CommandResult struct {
	Accepted bool
	Reason   string
}

func reply(cmd Command, accepted bool, reason string) {
	if cmd.Result == nil {
		return
	}
	select {
	case cmd.Result <- CommandResult{Accepted: accepted, Reason: reason}:
	default:
	}
}

// Config controls ingestion, cycle pacing and feature-window sizing that
// the Preset itself does not own (spec.md §5 defaults).
type Config struct {
	CandidateSymbols []string      // optional; empty means ActiveSymbols(ctx) each (re)start
	CycleDeadline    time.Duration // default 2s (spec.md §5)
	ShutdownGraceS   int           // default 5 (spec.md §5 shutdown_grace_s)
	Timeframe        string        // candle timeframe used for level building, default "1h"
	CandleHistory    int           // candles retained per symbol, default 200
	TopBookDepth     int           // levels considered for DepthAtSpreadUSD, default 10
	TickSize         types.Decimal // book bucket tick size, default 0.01
	TelemetryBuffer  int           // snapshot channel capacity, default 64
}

func (c *Config) fillDefaults() {
	if c.CycleDeadline <= 0 {
		c.CycleDeadline = 2 * time.Second
	}
	if c.ShutdownGraceS <= 0 {
		c.ShutdownGraceS = 5
	}
	if c.Timeframe == "" {
		c.Timeframe = "1h"
	}
	if c.CandleHistory <= 0 {
		c.CandleHistory = 200
	}
	if c.TopBookDepth <= 0 {
		c.TopBookDepth = 10
	}
	if c.TickSize.IsZero() {
		c.TickSize = decimal.NewFromFloat(0.01)
	}
	if c.TelemetryBuffer <= 0 {
		c.TelemetryBuffer = 64
	}
}

// Engine is the live-pipeline orchestrator of spec.md §4.12, §5. A single
// goroutine (Run) owns every mutable field below; Submit is the only
// method safe to call from another goroutine.
type Engine struct {
	logger *zap.Logger
	gw     gateway.ExchangeGateway
	cfg    Config

	commands  chan Command
	telemetry chan Snapshot

	mu     sync.RWMutex // guards only the fields read by Snapshot()/State() from other goroutines
	state  State
	mode   gateway.Mode
	active *preset.Preset
	paused bool
	halted bool
	haltReason string

	// Components rebuilt from the active Preset on every `start`.
	trades    *microstructure.TradesAggregator
	books     *microstructure.OrderBookManager
	density   *microstructure.DensityDetector
	activity  *microstructure.ActivityTracker
	levelDet  *levels.Detector
	mktFilter *filter.MarketFilter
	scan      *scanner.Scanner
	sigGen    *signal.Generator
	riskMgr   *risk.Manager
	execMgr   *execution.Manager
	fsm       *position.Machine

	positions map[string]*types.Position
	account   risk.AccountState

	candles    map[string][]types.Candle
	lastPrice  map[string]types.Decimal
	priorBreak map[string]types.Millis // symbol|side|levelPrice -> last momentum break ts (retest gate)
	activityMetrics map[string]types.ActivityMetrics

	orderCache        map[string]types.Order // last polled status per order id
	processedOrders   map[string]bool        // reduce-only order ids already folded into a position's RealisedR
	exitAttemptFailed map[string]bool        // position id -> a forced MarketExit failed last cycle

	symbols map[string]bool // currently-subscribed candidate universe

	ingest *ingestion

	lastSignalTS types.Millis
	cycleCount   int64
}

// New constructs an Engine wired to gw. Components are (re)built when a
// `start` command supplies the active Preset; before that the Engine sits
// IDLE and only Submit/Run/Telemetry are usable.
func New(gw gateway.ExchangeGateway, logger *zap.Logger, cfg Config) *Engine {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:     logger,
		gw:         gw,
		cfg:        cfg,
		commands:   make(chan Command, 32),
		telemetry:  make(chan Snapshot, cfg.TelemetryBuffer),
		state:      StateIdle,
		positions:  make(map[string]*types.Position),
		candles:    make(map[string][]types.Candle),
		lastPrice:  make(map[string]types.Decimal),
		priorBreak: make(map[string]types.Millis),
		symbols:    make(map[string]bool),
		activityMetrics: make(map[string]types.ActivityMetrics),
		orderCache: make(map[string]types.Order),
		processedOrders: make(map[string]bool),
		exitAttemptFailed: make(map[string]bool),
	}
}

// Submit enqueues a command and blocks for its result or ctx's deadline.
// Every command is accepted into the channel asynchronously per spec.md
// §4.12 "Commands are accepted asynchronously"; Submit's blocking is a
// convenience for callers, not a pipeline requirement.
func (e *Engine) Submit(ctx context.Context, verb CommandVerb, p *preset.Preset, mode gateway.Mode) CommandResult {
	cmd := Command{Verb: verb, Preset: p, Mode: mode, Result: make(chan CommandResult, 1)}
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return CommandResult{Reason: "submit_cancelled"}
	}
	select {
	case res := <-cmd.Result:
		return res
	case <-ctx.Done():
		return CommandResult{Reason: "await_result_cancelled"}
	}
}

// Telemetry returns the read side of the structured-snapshot channel
// (spec.md §6, §5 "single-producer queues drained by a separate task").
func (e *Engine) Telemetry() <-chan Snapshot { return e.telemetry }

// State reports the current top-level state (safe from any goroutine).
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run is the single-writer control loop (spec.md §5). It returns when ctx
// is cancelled or a `stop` command completes shutdown.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CycleDeadline)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drainShutdown()
			return ctx.Err()

		case cmd := <-e.commands:
			stop := e.processCommand(ctx, cmd)
			if stop {
				return nil
			}

		case <-ticker.C:
			if e.readyToCycle() {
				e.runCycle(ctx)
			}
		}
	}
}

func (e *Engine) readyToCycle() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active != nil && !e.halted && e.state != StateStopped
}

// processCommand applies one control-plane command. It returns true iff
// the Run loop should exit (a completed `stop`).
func (e *Engine) processCommand(ctx context.Context, cmd Command) bool {
	switch cmd.Verb {
	case CmdStart:
		return e.cmdStart(ctx, cmd)
	case CmdStop:
		e.cmdStop(ctx)
		reply(cmd, true, "")
		return true
	case CmdPause:
		e.mu.Lock()
		e.paused = true
		e.mu.Unlock()
		reply(cmd, true, "")
	case CmdResume:
		e.mu.Lock()
		e.paused = false
		e.mu.Unlock()
		reply(cmd, true, "")
	case CmdKillSwitch:
		e.mu.Lock()
		e.halted = true
		e.haltReason = "manual_kill_switch"
		e.state = StateHalted
		e.mu.Unlock()
		e.logger.Warn("kill switch engaged")
		reply(cmd, true, "")
	case CmdRetry:
		e.mu.RLock()
		halted := e.halted
		e.mu.RUnlock()
		if !halted {
			reply(cmd, false, "not_halted")
			return false
		}
		e.mu.Lock()
		e.halted = false
		e.haltReason = ""
		e.state = StateScanning
		e.mu.Unlock()
		reply(cmd, true, "")
	case CmdPanicExit:
		e.forceExitAll(ctx, "panic_exit")
		reply(cmd, true, "")
	case CmdTimeStop:
		e.forceExitAll(ctx, "time_stop")
		reply(cmd, true, "")
	default:
		reply(cmd, false, "unknown_command")
	}
	return false
}

func (e *Engine) cmdStart(ctx context.Context, cmd Command) bool {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != StateIdle && state != StateStopped && state != StateHalted {
		reply(cmd, false, "already_running")
		return false
	}
	if cmd.Preset == nil {
		reply(cmd, false, "missing_preset")
		return false
	}
	if xerr := cmd.Preset.Validate(); xerr != nil {
		reply(cmd, false, "invalid_preset")
		return false
	}

	e.setState(StateInitializing)
	e.applyPreset(cmd.Preset, cmd.Mode)

	equity, err := e.gw.AccountEquity(ctx)
	if err != nil {
		reply(cmd, false, "gateway_unavailable")
		e.setState(StateIdle)
		return false
	}
	e.account.Equity = equity

	universe, err := e.resolveUniverse(ctx)
	if err != nil {
		reply(cmd, false, "gateway_unavailable")
		e.setState(StateIdle)
		return false
	}
	e.startIngestion(ctx, universe)

	e.setState(StateScanning)
	reply(cmd, true, "")
	return false
}

func (e *Engine) cmdStop(ctx context.Context) {
	e.logger.Info("stop requested, awaiting in-flight gateway calls",
		zap.Int("shutdown_grace_s", e.cfg.ShutdownGraceS))
	graceCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.ShutdownGraceS)*time.Second)
	defer cancel()
	e.drainInFlight(graceCtx)
	e.stopIngestion()
	e.setState(StateStopped)
}

// drainInFlight waits up to graceCtx's deadline; the engine holds no
// long-running RPCs of its own between cycles, so this is a bounded no-op
// unless a future gateway integration needs to await outstanding calls.
func (e *Engine) drainInFlight(graceCtx context.Context) {
	<-graceCtx.Done()
}

// drainShutdown is the ctx-cancelled path: stop ingestion immediately, no
// grace period (the caller's context is already gone).
func (e *Engine) drainShutdown() {
	e.stopIngestion()
	e.setState(StateStopped)
}

func (e *Engine) applyPreset(p *preset.Preset, mode gateway.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active = p
	e.mode = mode
	e.halted = false
	e.paused = false
	e.positions = make(map[string]*types.Position)
	e.candles = make(map[string][]types.Candle)
	e.lastPrice = make(map[string]types.Decimal)
	e.priorBreak = make(map[string]types.Millis)
	e.activityMetrics = make(map[string]types.ActivityMetrics)
	e.orderCache = make(map[string]types.Order)
	e.processedOrders = make(map[string]bool)
	e.exitAttemptFailed = make(map[string]bool)
	e.account = risk.AccountState{}

	e.trades = microstructure.NewTradesAggregator(600)
	e.books = microstructure.NewOrderBookManager()
	e.activity = microstructure.NewActivityTracker(e.trades, microstructure.ActivityTrackerConfig{
		WindowSeconds:     activityWindowS,
		DropThresholdFrac: 0.4,
		DropWindowBars:    5,
		CooldownSeconds:   300,
	})
	e.density = microstructure.NewDensityDetector(e.books, microstructure.DensityDetectorConfig{
		KDensity: p.DensityConfig.KDensity, TickSize: e.cfg.TickSize,
		BucketTicks: p.DensityConfig.BucketTicks, TTLSeconds: int64(p.DensityConfig.TTLSeconds),
		ReentryRatio: p.DensityConfig.ReentryRatio, EnterOnEatenRatio: p.SignalConfig.EnterOnDensityEatRatio,
	})
	e.levelDet = levels.NewDetector(levels.Config{
		PivotLookback: p.LevelsRules.PivotLookback, MergeRadiusBps: p.LevelsRules.MergeRadiusBps,
		RoundNumberTolBps: p.LevelsRules.RoundNumberTolBps, RoundStepCandidates: p.LevelsRules.RoundStepCandidates,
		CascadeMinLevels: p.LevelsRules.CascadeMinLevels, CascadeRadiusBps: p.LevelsRules.CascadeRadiusBps,
		MaxApproachSlopePct: p.LevelsRules.MaxApproachSlopePct, ApproachLookback: p.LevelsRules.ApproachLookback,
	})
	e.mktFilter = filter.New(p.LiquidityFilters, p.Risk.BTCCorrelationCap)
	e.scan = scanner.New(e.mktFilter, p.Scanner, 8)
	e.sigGen = signal.New(p.SignalConfig)
	e.riskMgr = risk.New(p.Risk)
	e.execMgr = execution.New(e.gw, p.PositionConfig)
	e.fsm = position.New(p.PositionConfig, e.execMgr)
}

func (e *Engine) resolveUniverse(ctx context.Context) ([]string, error) {
	if len(e.cfg.CandidateSymbols) > 0 {
		return e.cfg.CandidateSymbols, nil
	}
	return e.gw.ActiveSymbols(ctx)
}

// forceExitAll advances every open position to EXITING and issues a
// reduce-only market order for its remaining qty_open, without waiting for
// completion (spec.md §5 panic_exit semantics; time_stop reuses the same
// forced-close mechanism at the engine's discretion).
func (e *Engine) forceExitAll(ctx context.Context, reason string) {
	now := types.NowMillis()
	for _, pos := range e.positions {
		if pos.FSM.Current == types.FSMClosed {
			continue
		}
		if pos.FSM.Current != types.FSMExiting {
			pos.FSM.Advance(types.FSMExiting, reason, now)
		}
		if xerr := e.execMgr.MarketExit(ctx, pos, now); xerr != nil {
			e.logger.Warn("force exit order failed, will retry next cycle",
				zap.String("position_id", pos.ID), zap.String("reason", reason), zap.Error(xerr))
		}
	}
}
