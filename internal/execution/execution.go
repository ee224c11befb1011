// Package execution implements ExecutionManager (spec.md §4.11): turns a
// sized signal into entry + protective-stop + TP-ladder child orders,
// tracks fills, and performs cancel/replace on stop moves without ever
// leaving a position unprotected. Adapted from the teacher's order state
// DAG in internal/orders/order_lifecycle.go and
// internal/orders/matching/engine_core.go, generalized from a full
// matching engine down to a gateway-facing order placement/tracking layer.
package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/shopspring/decimal"

	"github.com/abdoElHodaky/breakoutengine/internal/gateway"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
	"github.com/abdoElHodaky/breakoutengine/internal/xerrors"
)

// Manager places and tracks the child orders of a Position (spec.md
// §4.11). It holds no Position state of its own — the Engine's registry
// owns Positions; Manager only mints client order ids and talks to the
// gateway.
type Manager struct {
	gw  gateway.ExchangeGateway
	cfg preset.PositionConfig

	mu        sync.Mutex
	clientIDs map[string]string // idempotency registry: role key -> client order id, reused across retries
}

func New(gw gateway.ExchangeGateway, cfg preset.PositionConfig) *Manager {
	return &Manager{gw: gw, cfg: cfg, clientIDs: make(map[string]string)}
}

// roleKey identifies one logical child order slot of a position (entry,
// stop, or a numbered TP rung) so retries reuse the same client id instead
// of minting a new one (spec.md §4.11 "reissues ... must not create
// duplicate live orders").
func roleKey(positionID, role string) string {
	return positionID + "|" + role
}

func (m *Manager) clientIDFor(positionID, role string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := roleKey(positionID, role)
	if id, ok := m.clientIDs[key]; ok {
		return id
	}
	id := ksuid.New().String()
	m.clientIDs[key] = id
	return id
}

// Place submits the entry order, then the protective stop and TP ladder as
// reduce-only orders sized from qty (spec.md §4.11).
func (m *Manager) Place(ctx context.Context, signal types.Signal, qty types.Decimal, now types.Millis) (*types.Position, *xerrors.Error) {
	positionID := uuid.NewString()
	side := orderSideFor(signal.Side)

	entryOrder, xerr := m.submit(ctx, positionID, "entry", gateway.PlaceOrderRequest{
		Symbol: signal.Symbol, Side: side, Kind: types.OrderLimit, Qty: qty, Price: ptr(signal.EntryPrice),
	})
	if xerr != nil {
		return nil, xerr
	}

	stopSide := oppositeSide(side)
	stopOrder, xerr := m.submit(ctx, positionID, "stop", gateway.PlaceOrderRequest{
		Symbol: signal.Symbol, Side: stopSide, Kind: types.OrderReduceOnly, Qty: qty, Price: ptr(signal.StopPrice),
	})
	if xerr != nil {
		return nil, xerr
	}

	ladder := make([]types.TPLevel, len(m.cfg.TPLevels))
	for i, lvl := range m.cfg.TPLevels {
		tpPrice := tpPriceFromR(signal.EntryPrice, signal.StopPrice, signal.Side, decimal.NewFromFloat(lvl.RewardMultiple))
		tpQty := qty.Mul(decimal.NewFromFloat(lvl.SizePct))
		tpOrder, xerr := m.submit(ctx, positionID, fmt.Sprintf("tp%d", i), gateway.PlaceOrderRequest{
			Symbol: signal.Symbol, Side: stopSide, Kind: types.OrderReduceOnly, Qty: tpQty, Price: ptr(tpPrice),
		})
		if xerr != nil {
			return nil, xerr
		}
		ladder[i] = types.TPLevel{
			RewardMultiple: decimal.NewFromFloat(lvl.RewardMultiple), SizePct: decimal.NewFromFloat(lvl.SizePct),
			PlacementMode: lvl.PlacementMode, OrderID: tpOrder.ID,
		}
	}

	pos := &types.Position{
		ID: positionID, Symbol: signal.Symbol, Side: signal.Side,
		EntryPrice: signal.EntryPrice, QtyOpen: decimal.Zero, QtyInitial: qty,
		StopPrice: signal.StopPrice, TPLadder: ladder, OpenedTS: now,
		EntryOrderID: entryOrder.ID, StopOrderID: stopOrder.ID,
		LevelPrice: signal.Level.Price,
		FSM:        types.FSMState{Current: types.FSMEntry},
	}
	pos.FSM.Advance(types.FSMEntry, "entry_submitted", now)
	return pos, nil
}

// submit places one child order, classifying any gateway failure into the
// xerrors taxonomy.
func (m *Manager) submit(ctx context.Context, positionID, role string, req gateway.PlaceOrderRequest) (types.Order, *xerrors.Error) {
	req.ClientOrderID = m.clientIDFor(positionID, role)
	order, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		if xe, ok := err.(*xerrors.Error); ok {
			return types.Order{}, xe
		}
		return types.Order{}, xerrors.New(xerrors.CategoryTransientTransport, xerrors.CodeGatewayNetwork, "order placement failed").WithCause(err)
	}
	return order, nil
}

// OnOrderEvent folds a gateway order update into the position: qty_open
// tracking and partial-fill proration of realised_r (spec.md §4.11).
func (m *Manager) OnOrderEvent(pos *types.Position, order types.Order) {
	switch {
	case order.ID == pos.EntryOrderID:
		pos.QtyOpen = order.FilledQty
	case isReduceOnly(pos, order.ID):
		filledNotional := order.FilledQty.Mul(pos.RFromPrice(order.AvgFill))
		proratedR := decimal.Zero
		if !pos.QtyInitial.IsZero() {
			proratedR = filledNotional.Div(pos.QtyInitial)
		}
		pos.RealisedR = pos.RealisedR.Add(proratedR)
		pos.QtyOpen = pos.QtyOpen.Sub(order.FilledQty)
		if pos.QtyOpen.IsNegative() {
			pos.QtyOpen = decimal.Zero
		}
		markTPFilled(pos, order.ID)
	}
}

func isReduceOnly(pos *types.Position, orderID string) bool {
	if orderID == pos.StopOrderID || orderID == pos.ExitOrderID {
		return true
	}
	for _, tp := range pos.TPLadder {
		if tp.OrderID == orderID {
			return true
		}
	}
	return false
}

// MarketExit submits a reduce-only market order for the position's entire
// remaining qty_open, used by panic_exit and the EXITING state once a
// position must be flattened unconditionally (spec.md §4.10, §5
// "panic_exit issues reduce-only market orders on every open position").
// Reissuing after a failed attempt reuses the same client id (spec.md
// §4.11 idempotency). The fill is not folded here; the engine's order
// poller folds it once, like every other reduce-only leg.
func (m *Manager) MarketExit(ctx context.Context, pos *types.Position, now types.Millis) *xerrors.Error {
	if pos.QtyOpen.IsZero() {
		return nil
	}
	stopSide := oppositeSide(orderSideFor(pos.Side))
	order, xerr := m.submit(ctx, pos.ID, "exit", gateway.PlaceOrderRequest{
		Symbol: pos.Symbol, Side: stopSide, Kind: types.OrderReduceOnly, Qty: pos.QtyOpen,
	})
	if xerr != nil {
		return xerr
	}
	pos.ExitOrderID = order.ID
	return nil
}

func markTPFilled(pos *types.Position, orderID string) {
	for i := range pos.TPLadder {
		if pos.TPLadder[i].OrderID == orderID {
			pos.TPLadder[i].Filled = true
		}
	}
}

// Cancel cancels a single child order, classifying any gateway failure
// into the xerrors taxonomy.
func (m *Manager) Cancel(ctx context.Context, orderID string) *xerrors.Error {
	if err := m.gw.CancelOrder(ctx, orderID); err != nil {
		if xe, ok := err.(*xerrors.Error); ok {
			return xe
		}
		return xerrors.New(xerrors.CategoryTransientTransport, xerrors.CodeGatewayNetwork, "order cancel failed").WithCause(err)
	}
	return nil
}

// ReplaceStop cancels the current stop and places a new one at
// newStopPrice. If placement fails after a successful cancel, it
// immediately attempts to restore protection at the old price rather than
// leaving the position unprotected (spec.md §4.11).
func (m *Manager) ReplaceStop(ctx context.Context, pos *types.Position, newStopPrice types.Decimal, now types.Millis) *xerrors.Error {
	oldPrice := pos.StopPrice
	if err := m.gw.CancelOrder(ctx, pos.StopOrderID); err != nil {
		// Cancel failed: the existing stop is presumed still armed. Do
		// nothing rather than risk a duplicate stop.
		return xerrors.New(xerrors.CategoryTransientTransport, xerrors.CodeGatewayNetwork, "stop cancel failed").WithCause(err)
	}

	delete(m.clientIDs, roleKey(pos.ID, "stop")) // force a fresh client id for the replacement leg
	stopSide := oppositeSide(orderSideFor(pos.Side))
	newOrder, xerr := m.submit(ctx, pos.ID, "stop", gateway.PlaceOrderRequest{
		Symbol: pos.Symbol, Side: stopSide, Kind: types.OrderReduceOnly, Qty: pos.QtyOpen, Price: ptr(newStopPrice),
	})
	if xerr != nil {
		delete(m.clientIDs, roleKey(pos.ID, "stop"))
		fallback, ferr := m.submit(ctx, pos.ID, "stop", gateway.PlaceOrderRequest{
			Symbol: pos.Symbol, Side: stopSide, Kind: types.OrderReduceOnly, Qty: pos.QtyOpen, Price: ptr(oldPrice),
		})
		if ferr != nil {
			return xerrors.New(xerrors.CategoryGlobalFault, xerrors.CodeStopWouldWiden, "position unprotected after failed stop replace").WithCause(ferr)
		}
		pos.StopOrderID = fallback.ID
		return xerr
	}

	pos.StopOrderID = newOrder.ID
	pos.StopPrice = newStopPrice
	return nil
}

func orderSideFor(side types.PositionSide) types.Side {
	if side == types.PositionLong {
		return types.SideBuy
	}
	return types.SideSell
}

func oppositeSide(side types.Side) types.Side {
	if side == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

func tpPriceFromR(entry, stop types.Decimal, side types.PositionSide, r types.Decimal) types.Decimal {
	risk := entry.Sub(stop).Abs()
	offset := risk.Mul(r)
	if side == types.PositionLong {
		return entry.Add(offset)
	}
	return entry.Sub(offset)
}

func ptr(d types.Decimal) *types.Decimal { return &d }
