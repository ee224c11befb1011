package gateway

import (
	"context"
	"sync"

	"github.com/segmentio/ksuid"
	"github.com/shopspring/decimal"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
	"github.com/abdoElHodaky/breakoutengine/internal/xerrors"
)

// PaperGateway is a deterministic in-memory ExchangeGateway used in paper
// mode (spec.md §6): market orders fill immediately at the last trade
// price, limit orders fill once the last trade touches the limit price.
// It also backstops tests for every downstream component that only needs
// an ExchangeGateway, without a real exchange adapter.
type PaperGateway struct {
	mu          sync.Mutex
	equity      types.Decimal
	lastTrade   map[string]types.Decimal
	orders      map[string]types.Order
	seenClients map[string]string // clientOrderID -> orderID, for idempotency
	symbols     []string

	tradeSubs     map[string][]chan types.Trade
	bookSubs      map[string][]chan types.L2Book
	bookDeltaSubs map[string][]chan types.BookDeltaBatch
	candleSubs    map[string][]chan types.Candle
}

// NewPaperGateway constructs a PaperGateway seeded with a starting equity
// and an active-symbol universe.
func NewPaperGateway(equity types.Decimal, symbols []string) *PaperGateway {
	return &PaperGateway{
		equity:      equity,
		lastTrade:   make(map[string]types.Decimal),
		orders:      make(map[string]types.Order),
		seenClients: make(map[string]string),
		symbols:       symbols,
		tradeSubs:     make(map[string][]chan types.Trade),
		bookSubs:      make(map[string][]chan types.L2Book),
		bookDeltaSubs: make(map[string][]chan types.BookDeltaBatch),
		candleSubs:    make(map[string][]chan types.Candle),
	}
}

func (g *PaperGateway) Trades(ctx context.Context, symbol string) (<-chan types.Trade, error) {
	ch := make(chan types.Trade, 256)
	g.mu.Lock()
	g.tradeSubs[symbol] = append(g.tradeSubs[symbol], ch)
	g.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (g *PaperGateway) Books(ctx context.Context, symbol string) (<-chan types.L2Book, error) {
	ch := make(chan types.L2Book, 64)
	g.mu.Lock()
	g.bookSubs[symbol] = append(g.bookSubs[symbol], ch)
	g.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (g *PaperGateway) BookDeltas(ctx context.Context, symbol string) (<-chan types.BookDeltaBatch, error) {
	ch := make(chan types.BookDeltaBatch, 64)
	g.mu.Lock()
	g.bookDeltaSubs[symbol] = append(g.bookDeltaSubs[symbol], ch)
	g.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (g *PaperGateway) Candles(ctx context.Context, symbol, timeframe string) (<-chan types.Candle, error) {
	ch := make(chan types.Candle, 64)
	g.mu.Lock()
	g.candleSubs[symbol] = append(g.candleSubs[symbol], ch)
	g.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// PushCandle feeds a synthetic closed (or forming) candle into the
// gateway, fanning out to subscribers (test/demo helper mirroring
// PushTrade/PushBook).
func (g *PaperGateway) PushCandle(c types.Candle) {
	g.mu.Lock()
	subs := append([]chan types.Candle(nil), g.candleSubs[c.Symbol]...)
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (g *PaperGateway) AccountEquity(ctx context.Context) (types.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.equity, nil
}

func (g *PaperGateway) ActiveSymbols(ctx context.Context) ([]string, error) {
	return g.symbols, nil
}

// PushTrade feeds a synthetic trade print into the gateway, updating last
// price (used for market-order simulated fills) and fanning out to
// subscribers.
func (g *PaperGateway) PushTrade(t types.Trade) {
	g.mu.Lock()
	g.lastTrade[t.Symbol] = t.Price
	subs := append([]chan types.Trade(nil), g.tradeSubs[t.Symbol]...)
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
	g.checkLimitFills(t)
}

// PushBook feeds a synthetic L2 snapshot into the gateway.
func (g *PaperGateway) PushBook(b types.L2Book) {
	g.mu.Lock()
	subs := append([]chan types.L2Book(nil), g.bookSubs[b.Symbol]...)
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- b:
		default:
		}
	}
}

// PushBookDelta feeds a synthetic incremental order-book update into the
// gateway, fanning out to subscribers (test/demo helper mirroring PushBook).
func (g *PaperGateway) PushBookDelta(d types.BookDeltaBatch) {
	g.mu.Lock()
	subs := append([]chan types.BookDeltaBatch(nil), g.bookDeltaSubs[d.Symbol]...)
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- d:
		default:
		}
	}
}

func (g *PaperGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if orderID, ok := g.seenClients[req.ClientOrderID]; ok {
		// Idempotency: resending a known client id returns the existing
		// order unchanged (spec.md §4.11, §8).
		return g.orders[orderID], nil
	}

	id := ksuid.New().String()
	order := types.Order{
		ID:        id,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		Qty:       req.Qty,
		Price:     req.Price,
		Status:    types.OrderOpen,
		FilledQty: decimal.Zero,
		CreatedAt: types.NowMillis(),
		UpdatedAt: types.NowMillis(),
	}

	if req.Kind == types.OrderMarket || req.Kind == types.OrderReduceOnly && req.Price == nil {
		if last, ok := g.lastTrade[req.Symbol]; ok {
			order.Status = types.OrderFilled
			order.FilledQty = req.Qty
			order.AvgFill = last
		}
	}

	g.orders[id] = order
	g.seenClients[req.ClientOrderID] = id
	return order, nil
}

func (g *PaperGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return xerrors.New(xerrors.CategoryBusinessRejection, xerrors.CodePriceOutOfBand, "unknown order id")
	}
	if order.Status == types.OrderFilled {
		return xerrors.New(xerrors.CategoryBusinessRejection, xerrors.CodePriceOutOfBand, "order already filled")
	}
	order.Status = types.OrderCancelled
	order.UpdatedAt = types.NowMillis()
	g.orders[orderID] = order
	return nil
}

func (g *PaperGateway) QueryOrder(ctx context.Context, orderID string) (types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return types.Order{}, xerrors.New(xerrors.CategoryBusinessRejection, xerrors.CodePriceOutOfBand, "unknown order id")
	}
	return order, nil
}

// checkLimitFills fills any open limit orders whose price has been touched
// by the new trade print.
func (g *PaperGateway) checkLimitFills(t types.Trade) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, order := range g.orders {
		if order.Symbol != t.Symbol || order.Status != types.OrderOpen || order.Price == nil {
			continue
		}
		touched := false
		if order.Side == types.SideBuy && t.Price.LessThanOrEqual(*order.Price) {
			touched = true
		}
		if order.Side == types.SideSell && t.Price.GreaterThanOrEqual(*order.Price) {
			touched = true
		}
		if touched {
			order.Status = types.OrderFilled
			order.FilledQty = order.Qty
			order.AvgFill = *order.Price
			order.UpdatedAt = types.NowMillis()
			g.orders[id] = order
		}
	}
}
