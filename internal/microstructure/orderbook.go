package microstructure

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
	"github.com/abdoElHodaky/breakoutengine/internal/xerrors"
)

// BookDelta is a single price/size update applied by ApplyDelta. A zero
// size removes the level.
type BookDelta struct {
	Side  types.Side
	Price types.Decimal
	Size  types.Decimal
}

// OrderBookManager maintains a canonical current L2 book per symbol
// (spec.md §4.2), generalizing the teacher's heap-based
// PriceLevelManager/OrderBook (internal/trading/positions/price_levels/manager.go)
// into a sorted-slice book with snapshot/delta semantics and a stale flag.
// Per-symbol books are only ever written by the ingestion task; readers get
// a consistent snapshot under a briefly-held read lock (spec.md §4.2
// Concurrency).
type OrderBookManager struct {
	mu     sync.RWMutex
	books  map[string]*types.L2Book
}

func NewOrderBookManager() *OrderBookManager {
	return &OrderBookManager{books: make(map[string]*types.L2Book)}
}

// ApplySnapshot replaces the book for symbol and seeds the sequence.
func (m *OrderBookManager) ApplySnapshot(symbol string, bids, asks []types.BookLevel, seq int64, ts types.Millis) *xerrors.Error {
	bids = sortedCopy(bids, true)
	asks = sortedCopy(asks, false)

	if len(bids) > 0 && len(asks) > 0 && bids[0].Price.GreaterThanOrEqual(asks[0].Price) {
		return xerrors.New(xerrors.CategoryDataIntegrity, xerrors.CodeCrossedBook, "snapshot crosses top of book")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[symbol] = &types.L2Book{Symbol: symbol, Bids: bids, Asks: asks, Sequence: seq, Timestamp: ts}
	return nil
}

// ApplyDelta applies an incremental update if seq is the expected
// successor of the current book's sequence; otherwise the book is marked
// stale and the caller must resnapshot (spec.md §4.2, §7).
func (m *OrderBookManager) ApplyDelta(symbol string, updates []BookDelta, seq int64, ts types.Millis) *xerrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[symbol]
	if !ok || book.Stale {
		return xerrors.New(xerrors.CategoryDataIntegrity, xerrors.CodeSequenceGap, "no live book to apply delta to; resnapshot required")
	}
	if seq != book.Sequence+1 {
		book.Stale = true
		return xerrors.New(xerrors.CategoryDataIntegrity, xerrors.CodeSequenceGap, "sequence gap; book marked stale")
	}

	bids := append([]types.BookLevel(nil), book.Bids...)
	asks := append([]types.BookLevel(nil), book.Asks...)
	for _, d := range updates {
		if d.Side == types.SideBuy {
			bids = applyLevel(bids, d.Price, d.Size, true)
		} else {
			asks = applyLevel(asks, d.Price, d.Size, false)
		}
	}

	if len(bids) > 0 && len(asks) > 0 && bids[0].Price.GreaterThanOrEqual(asks[0].Price) {
		book.Stale = true
		return xerrors.New(xerrors.CategoryDataIntegrity, xerrors.CodeCrossedBook, "delta would cross top of book; book marked stale")
	}

	book.Bids = bids
	book.Asks = asks
	book.Sequence = seq
	book.Timestamp = ts
	return nil
}

// snapshot returns a deep copy of the book, or nil if unknown.
func (m *OrderBookManager) snapshot(symbol string) *types.L2Book {
	m.mu.RLock()
	defer m.mu.RUnlock()
	book, ok := m.books[symbol]
	if !ok {
		return nil
	}
	cp := *book
	cp.Bids = append([]types.BookLevel(nil), book.Bids...)
	cp.Asks = append([]types.BookLevel(nil), book.Asks...)
	return &cp
}

// Snapshot exposes a read-only copy for DensityDetector (spec.md §3
// Ownership: reads-only view, no mutation).
func (m *OrderBookManager) Snapshot(symbol string) *types.L2Book { return m.snapshot(symbol) }

// Top returns the top n bid/ask levels for symbol.
func (m *OrderBookManager) Top(symbol string, n int) (bids, asks []types.BookLevel) {
	book := m.snapshot(symbol)
	if book == nil {
		return nil, nil
	}
	n2 := n
	if n > len(book.Bids) {
		n = len(book.Bids)
	}
	bids = book.Bids[:n]
	if n2 > len(book.Asks) {
		n2 = len(book.Asks)
	}
	asks = book.Asks[:n2]
	return
}

// Mid returns the book's mid price, or zero if unknown/empty.
func (m *OrderBookManager) Mid(symbol string) types.Decimal {
	book := m.snapshot(symbol)
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return decimal.Zero
	}
	return book.Bids[0].Price.Add(book.Asks[0].Price).Div(decimal.NewFromInt(2))
}

// Spread returns ask.top - bid.top, or zero if unknown/empty.
func (m *OrderBookManager) Spread(symbol string) types.Decimal {
	book := m.snapshot(symbol)
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return decimal.Zero
	}
	return book.Asks[0].Price.Sub(book.Bids[0].Price)
}

// IsStale reports whether symbol's book is currently stale.
func (m *OrderBookManager) IsStale(symbol string) bool {
	book := m.snapshot(symbol)
	return book == nil || book.Stale
}

// MarkStale forces symbol's book stale, used when delta ingestion cannot
// keep up and must force a resnapshot (spec.md §5 backpressure policy for
// order-book deltas). A no-op if the symbol has no live book.
func (m *OrderBookManager) MarkStale(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if book, ok := m.books[symbol]; ok {
		book.Stale = true
	}
}

// BucketDepth is the cumulative resting size at one price bucket.
type BucketDepth struct {
	Bucket types.Decimal
	Side   types.Side
	Size   types.Decimal
}

// DepthByBucket aggregates resting size into price buckets of width
// bucketTicks * tickSize (spec.md §4.2).
func (m *OrderBookManager) DepthByBucket(symbol string, tickSize types.Decimal, bucketTicks int) []BucketDepth {
	book := m.snapshot(symbol)
	if book == nil || bucketTicks <= 0 || tickSize.IsZero() {
		return nil
	}
	width := tickSize.Mul(decimal.NewFromInt(int64(bucketTicks)))

	buckets := make(map[string]*BucketDepth)
	order := []string{}
	accumulate := func(levels []types.BookLevel, side types.Side) {
		for _, lvl := range levels {
			bucket := bucketFloor(lvl.Price, width)
			key := string(side) + ":" + bucket.String()
			b, ok := buckets[key]
			if !ok {
				b = &BucketDepth{Bucket: bucket, Side: side, Size: decimal.Zero}
				buckets[key] = b
				order = append(order, key)
			}
			b.Size = b.Size.Add(lvl.Size)
		}
	}
	accumulate(book.Bids, types.SideBuy)
	accumulate(book.Asks, types.SideSell)

	out := make([]BucketDepth, 0, len(order))
	for _, k := range order {
		out = append(out, *buckets[k])
	}
	return out
}

func bucketFloor(price, width types.Decimal) types.Decimal {
	if width.IsZero() {
		return price
	}
	div := price.Div(width).Floor()
	return div.Mul(width)
}

func sortedCopy(levels []types.BookLevel, descending bool) []types.BookLevel {
	out := append([]types.BookLevel(nil), levels...)
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// applyLevel inserts/updates/removes a single price level, keeping the
// slice sorted (descending for bids, ascending for asks). A zero size
// removes the level.
func applyLevel(levels []types.BookLevel, price, size types.Decimal, descending bool) []types.BookLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})

	if idx < len(levels) && levels[idx].Price.Equal(price) {
		if size.IsZero() {
			return append(levels[:idx], levels[idx+1:]...)
		}
		levels[idx].Size = size
		return levels
	}
	if size.IsZero() {
		return levels
	}
	out := append(levels, types.BookLevel{})
	copy(out[idx+1:], out[idx:])
	out[idx] = types.BookLevel{Price: price, Size: size}
	return out
}
