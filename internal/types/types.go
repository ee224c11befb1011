// Package types holds the entities shared across the breakout pipeline:
// candles, order-book state, trades, levels, density walls, activity
// metrics, signals, orders and positions.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Decimal is the fixed-point type used for every price, size and bps field
// in the system. All prices/sizes carry at least 10 fractional digits.
type Decimal = decimal.Decimal

// MinFractionalDigits is the minimum scale the system preserves when
// normalising decimals read from the wire or from a preset.
const MinFractionalDigits = 10

// Millis is an integer millisecond-epoch timestamp.
type Millis int64

func NowMillis() Millis { return Millis(time.Now().UnixMilli()) }

func (m Millis) Time() time.Time { return time.UnixMilli(int64(m)) }

// Side is a trade/order/position direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PositionSide is long/short, distinct from an individual trade Side.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// LevelSide identifies whether a horizontal level acts as support or
// resistance.
type LevelSide string

const (
	LevelSupport    LevelSide = "support"
	LevelResistance LevelSide = "resistance"
)

// Candle is a single OHLCV bar. Only closed candles feed the indicator
// pipeline; the currently-forming candle is tracked separately by callers.
type Candle struct {
	Symbol    string
	Timeframe string
	Open      Decimal
	High      Decimal
	Low       Decimal
	Close     Decimal
	Volume    Decimal
	OpenTime  Millis
	Closed    bool
}

// BookLevel is one resting price/size pair on one side of an L2 book.
type BookLevel struct {
	Price Decimal
	Size  Decimal
}

// L2Book is the canonical current order book for a symbol. Bids are stored
// descending by price, asks ascending; invariant: Bids[0].Price <
// Asks[0].Price must hold, or the book is stale (see microstructure.OrderBookManager).
type L2Book struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp Millis
	Sequence  int64
	Stale     bool
}

// BookUpdate is one incremental price-level change carried by a
// BookDeltaBatch.
type BookUpdate struct {
	Side  Side
	Price Decimal
	Size  Decimal // zero removes the level
}

// BookDeltaBatch is one incremental order-book update message, applied
// against the prior Sequence by OrderBookManager.ApplyDelta (spec.md §4.2).
type BookDeltaBatch struct {
	Symbol    string
	Updates   []BookUpdate
	Sequence  int64
	Timestamp Millis
}

// Trade is a single print from the trade stream.
type Trade struct {
	Symbol    string
	Price     Decimal
	Size      Decimal
	Side      Side
	Timestamp Millis
}

// Level is a horizontal support/resistance level produced by LevelDetector.
type Level struct {
	Symbol       string
	Price        Decimal
	Side         LevelSide
	Strength     float64 // in [0,1]
	AgeBars      int
	RoundNumber  bool
	Cascade      bool
	TouchCount   int
	VerticalFlag bool // approach filter: most recent approach was vertical
	CreatedAt    Millis
}

// Density is an order-book price bucket whose resting size materially
// exceeds the local median ("density wall").
type Density struct {
	Symbol       string
	PriceBucket  Decimal
	Side         Side // buy => bid wall, sell => ask wall
	InitialSize  Decimal
	CurrentSize  Decimal
	FirstSeenTS  Millis
	EatenRatio   float64 // (initial-current)/initial, monotone non-decreasing
}

// Recompute updates CurrentSize and EatenRatio, enforcing monotonicity of
// EatenRatio per spec.md invariant 5.
func (d *Density) Recompute(currentSize Decimal) {
	d.CurrentSize = currentSize
	if d.InitialSize.IsZero() {
		return
	}
	consumed := d.InitialSize.Sub(currentSize)
	ratio, _ := consumed.Div(d.InitialSize).Float64()
	if ratio < 0 {
		ratio = 0
	}
	if ratio > d.EatenRatio {
		d.EatenRatio = ratio
	}
}

// ActivityMetrics is the per-symbol rolling trade-activity snapshot.
type ActivityMetrics struct {
	Symbol         string
	TPM            float64
	TPS            float64
	SignedVolDelta float64
	Index          float64 // z-scored composite, clamped [-10,10]
	IsDropping     bool
	Fresh          bool
}

// StrategyKind tags a Signal's strategy variant (tagged-variant dispatch,
// spec.md §9 — no open inheritance).
type StrategyKind string

const (
	StrategyMomentum StrategyKind = "momentum"
	StrategyRetest   StrategyKind = "retest"
)

// Signal is an entry candidate emitted by SignalGenerator.
type Signal struct {
	ID         string
	Symbol     string
	Side       PositionSide
	Strategy   StrategyKind
	Level      Level
	EntryPrice Decimal
	StopPrice  Decimal
	Confidence float64
	CreatedAt  Millis
}

// OrderKind distinguishes market/limit/reduce-only orders (spec.md §1
// Non-goals: no OCO or other complex order types).
type OrderKind string

const (
	OrderMarket     OrderKind = "market"
	OrderLimit      OrderKind = "limit"
	OrderReduceOnly OrderKind = "reduce_only"
)

// OrderStatus is a node in the order state DAG: pending -> open ->
// {partial->filled, filled, cancelled, rejected}.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Order is a single child order placed against the gateway.
type Order struct {
	ID         string // gateway-assigned; the idempotency key is PlaceOrderRequest.ClientOrderID
	PositionID string
	Symbol     string
	Side       Side
	Kind       OrderKind
	Qty        Decimal
	Price      *Decimal // nil for market orders
	Status     OrderStatus
	FilledQty  Decimal
	AvgFill    Decimal
	Fees       Decimal
	CreatedAt  Millis
	UpdatedAt  Millis
}

// TPLevel is one rung of a position's take-profit ladder.
type TPLevel struct {
	RewardMultiple Decimal // R
	SizePct        Decimal // fraction of initial qty, in [0,1]
	PlacementMode  string  // fixed | smart | adaptive
	Filled         bool
	OrderID        string
}

// FSMStateName enumerates PositionFSM states (spec.md §4.10).
type FSMStateName string

const (
	FSMEntry          FSMStateName = "ENTRY"
	FSMRunning        FSMStateName = "RUNNING"
	FSMBreakeven      FSMStateName = "BREAKEVEN"
	FSMPartialClosed  FSMStateName = "PARTIAL_CLOSED"
	FSMTrailing       FSMStateName = "TRAILING"
	FSMExiting        FSMStateName = "EXITING"
	FSMClosed         FSMStateName = "CLOSED"
)

// FSMTransition records one historical state change for a position.
type FSMTransition struct {
	From      FSMStateName
	To        FSMStateName
	Reason    string
	Timestamp Millis
}

// FSMState is the bounded transition history plus current state for one
// position.
type FSMState struct {
	Current FSMStateName
	History []FSMTransition // bounded; Advance keeps the last maxFSMHistory entries
}

const maxFSMHistory = 64

// Advance appends a transition and updates Current, capping history length.
func (s *FSMState) Advance(to FSMStateName, reason string, at Millis) {
	s.History = append(s.History, FSMTransition{From: s.Current, To: to, Reason: reason, Timestamp: at})
	if len(s.History) > maxFSMHistory {
		s.History = s.History[len(s.History)-maxFSMHistory:]
	}
	s.Current = to
}

// Position is one open (or recently closed) trading position, driven by
// PositionFSM.
type Position struct {
	ID            string
	Symbol        string
	Side          PositionSide
	EntryPrice    Decimal
	QtyOpen       Decimal
	QtyInitial    Decimal
	StopPrice     Decimal
	TPLadder      []TPLevel
	OpenedTS      Millis
	BarsSinceEntry int
	RealisedR     Decimal
	MFE           Decimal // max favourable excursion, in R
	MAE           Decimal // max adverse excursion, in R
	FSM           FSMState
	Abandoned     bool
	ExitAttempts  int
	EntryOrderID  string
	StopOrderID   string
	ExitOrderID   string  // reduce-only market order used to flatten during EXITING/panic_exit
	LevelPrice    Decimal // the breakout level this position was entered against, for failed-breakout detection
}

// RFromPrice computes the signed reward multiple of `price` relative to
// entry/stop for this position's side.
func (p *Position) RFromPrice(price Decimal) Decimal {
	risk := p.EntryPrice.Sub(p.StopPrice).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	var diff Decimal
	if p.Side == PositionLong {
		diff = price.Sub(p.EntryPrice)
	} else {
		diff = p.EntryPrice.Sub(price)
	}
	return diff.Div(risk)
}

// ScanCandidate is a per-cycle scanner output; never persisted across cycles.
type ScanCandidate struct {
	Symbol          string
	Score           float64
	FeatureBreakdown map[string]float64
	Levels          []Level
	Metrics         ActivityMetrics
}
