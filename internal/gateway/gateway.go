// Package gateway defines the ExchangeGateway interface (spec.md §1, §4.12
// leaf collaborator) and a rate-limited, circuit-broken RPC wrapper around
// it, adapted from the teacher's resilience.CircuitBreakerFactory
// (internal/architecture/fx/resilience/circuit_breaker.go) with the fx
// dependency-injection plumbing stripped out.
package gateway

import (
	"context"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// Mode selects paper or live execution (spec.md §6).
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// PlaceOrderRequest is the normalized order-submission payload.
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Kind          types.OrderKind
	Qty           types.Decimal
	Price         *types.Decimal
}

// ExchangeGateway is the async read interface for market data streams and
// the request interface for order lifecycle (spec.md §2 component 1). It
// is treated as an external collaborator; this module only depends on the
// interface plus the PaperGateway reference implementation.
type ExchangeGateway interface {
	// Streams. Each returns a channel that is closed when the context is
	// cancelled or the underlying connection is permanently lost.
	Trades(ctx context.Context, symbol string) (<-chan types.Trade, error)
	// Books streams periodic full L2 snapshots, the resnapshot source of
	// truth; BookDeltas streams the incremental updates between snapshots
	// (spec.md §4.2). A sequence gap on the delta stream marks the book
	// stale until the next value arrives on Books.
	Books(ctx context.Context, symbol string) (<-chan types.L2Book, error)
	BookDeltas(ctx context.Context, symbol string) (<-chan types.BookDeltaBatch, error)
	Candles(ctx context.Context, symbol, timeframe string) (<-chan types.Candle, error)

	// Account state.
	AccountEquity(ctx context.Context) (types.Decimal, error)

	// Order lifecycle.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	QueryOrder(ctx context.Context, orderID string) (types.Order, error)

	// ActiveSymbols lists the tradable universe, used by Scanner when no
	// candidate universe is supplied by the caller (spec.md §4.7).
	ActiveSymbols(ctx context.Context) ([]string, error)
}
