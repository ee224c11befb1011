package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abdoElHodaky/breakoutengine/internal/microstructure"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// bookDeltaBlockThreshold bounds how long a delta send may block the
// ingestion goroutine before it gives up and forces a resnapshot. Order-book
// deltas are sequence-dependent and correctness-critical, so on backpressure
// this channel blocks the newest delta rather than silently dropping it
// (spec.md §5); past this threshold the pump gives up waiting and marks the
// book stale so the next periodic snapshot resynchronizes it.
const bookDeltaBlockThreshold = 200 * time.Millisecond

// ingestion is the errgroup-supervised set of per-symbol market-data pumps
// feeding bounded channels the cycle drains each tick. Shape generalized
// from the teacher's batch_processor.go ticker+channel pattern
// (internal/risk/engine/batch_processor.go): there, a ticker paces a
// drain of a single ops channel; here, one outer cycle ticker (Engine.Run)
// paces the drain of four market-data channels fed by per-symbol
// goroutines supervised by golang.org/x/sync/errgroup.
type ingestion struct {
	cancel      context.CancelFunc
	group       *errgroup.Group
	tradeCh     chan types.Trade
	bookCh      chan types.L2Book
	bookDeltaCh chan types.BookDeltaBatch
	candleCh    chan types.Candle
}

// startIngestion subscribes symbols on TradesAggregator and spawns one
// supervised goroutine per symbol per stream kind. A pump's error (other
// than context cancellation) propagates through the errgroup but does not
// crash Run; stopIngestion is the only place that observes group.Wait.
func (e *Engine) startIngestion(ctx context.Context, symbols []string) {
	ictx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ictx)

	ing := &ingestion{
		cancel:      cancel,
		group:       g,
		tradeCh:     make(chan types.Trade, 4096),
		bookCh:      make(chan types.L2Book, 2048),
		bookDeltaCh: make(chan types.BookDeltaBatch, 2048),
		candleCh:    make(chan types.Candle, 1024),
	}

	e.mu.Lock()
	e.symbols = make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		e.symbols[sym] = true
	}
	e.mu.Unlock()

	for _, sym := range symbols {
		sym := sym
		e.trades.Subscribe(sym)

		g.Go(func() error { return e.pumpTrades(gctx, sym, ing.tradeCh) })
		g.Go(func() error { return e.pumpBooks(gctx, sym, ing.bookCh) })
		g.Go(func() error { return e.pumpBookDeltas(gctx, sym, ing.bookDeltaCh) })
		g.Go(func() error { return e.pumpCandles(gctx, sym, ing.candleCh) })
	}

	e.ingest = ing
}

// stopIngestion cancels every pump and waits for the errgroup to drain.
func (e *Engine) stopIngestion() {
	if e.ingest == nil {
		return
	}
	e.ingest.cancel()
	if err := e.ingest.group.Wait(); err != nil {
		e.logger.Warn("ingestion group exited with error", zap.Error(err))
	}
	e.ingest = nil
}

func (e *Engine) pumpTrades(ctx context.Context, symbol string, out chan<- types.Trade) error {
	ch, err := e.gw.Trades(ctx, symbol)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ch:
			if !ok {
				return nil
			}
			// Trade prints form a rolling window, not individually
			// load-bearing: on backpressure, drop the oldest buffered
			// print to make room for the newest (spec.md §5 drop-oldest).
			select {
			case out <- t:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- t:
				default:
				}
				e.logger.Warn("trade ingestion backpressure, dropped oldest print", zap.String("symbol", symbol))
			}
		}
	}
}

func (e *Engine) pumpBooks(ctx context.Context, symbol string, out chan<- types.L2Book) error {
	ch, err := e.gw.Books(ctx, symbol)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case b, ok := <-ch:
			if !ok {
				return nil
			}
			// A newer full snapshot always supersedes an older undelivered
			// one, so the same drop-oldest policy applies here.
			select {
			case out <- b:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- b:
				default:
				}
				e.logger.Warn("book ingestion backpressure, dropped oldest snapshot", zap.String("symbol", symbol))
			}
		}
	}
}

// pumpBookDeltas feeds the correctness-critical delta stream. Unlike trades
// and snapshots, a delta cannot simply be dropped without breaking the
// sequence chain, so a full buffer blocks the newest delta up to
// bookDeltaBlockThreshold; past that the book is marked stale so the next
// periodic snapshot resynchronizes it rather than the pump stalling
// indefinitely (spec.md §5, §8 scenario 6).
func (e *Engine) pumpBookDeltas(ctx context.Context, symbol string, out chan<- types.BookDeltaBatch) error {
	ch, err := e.gw.BookDeltas(ctx, symbol)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-ch:
			if !ok {
				return nil
			}
			timer := time.NewTimer(bookDeltaBlockThreshold)
			select {
			case out <- d:
				timer.Stop()
			case <-timer.C:
				e.books.MarkStale(symbol)
				e.logger.Warn("book delta ingestion blocked past threshold, forced resnapshot",
					zap.String("symbol", symbol), zap.Duration("threshold", bookDeltaBlockThreshold))
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		}
	}
}

func (e *Engine) pumpCandles(ctx context.Context, symbol string, out chan<- types.Candle) error {
	ch, err := e.gw.Candles(ctx, symbol, e.cfg.Timeframe)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			// Candle bars, like trades, are superseded by later bars on
			// the same symbol, so drop-oldest applies here too.
			select {
			case out <- c:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- c:
				default:
				}
				e.logger.Warn("candle ingestion backpressure, dropped oldest bar", zap.String("symbol", symbol))
			}
		}
	}
}

// drainMarketData folds every buffered trade, book, delta and candle update
// into TradesAggregator/OrderBookManager/candle history before the rest of
// the cycle runs (spec.md §5 cycle ordering, stage 1).
func (e *Engine) drainMarketData() {
	if e.ingest == nil {
		return
	}
	e.drainTrades()
	e.drainBooks()
	e.drainBookDeltas()
	e.drainCandles()
}

func (e *Engine) drainTrades() {
	for {
		select {
		case t := <-e.ingest.tradeCh:
			e.trades.OnTrade(t)
			e.lastPrice[t.Symbol] = t.Price
		default:
			return
		}
	}
}

func (e *Engine) drainBooks() {
	for {
		select {
		case b := <-e.ingest.bookCh:
			if xerr := e.books.ApplySnapshot(b.Symbol, b.Bids, b.Asks, b.Sequence, b.Timestamp); xerr != nil {
				e.logger.Warn("book snapshot rejected", zap.String("symbol", b.Symbol), zap.Error(xerr))
			}
		default:
			return
		}
	}
}

// drainBookDeltas applies incremental updates between full snapshots
// (spec.md §4.2). A sequence gap marks the book stale; it self-heals once
// the next periodic snapshot lands via drainBooks.
func (e *Engine) drainBookDeltas() {
	for {
		select {
		case d := <-e.ingest.bookDeltaCh:
			deltas := make([]microstructure.BookDelta, len(d.Updates))
			for i, u := range d.Updates {
				deltas[i] = microstructure.BookDelta{Side: u.Side, Price: u.Price, Size: u.Size}
			}
			if xerr := e.books.ApplyDelta(d.Symbol, deltas, d.Sequence, d.Timestamp); xerr != nil {
				e.logger.Warn("book delta rejected", zap.String("symbol", d.Symbol), zap.Error(xerr))
			}
		default:
			return
		}
	}
}

func (e *Engine) drainCandles() {
	for {
		select {
		case c := <-e.ingest.candleCh:
			if !c.Closed {
				continue
			}
			hist := append(e.candles[c.Symbol], c)
			if len(hist) > e.cfg.CandleHistory {
				hist = hist[len(hist)-e.cfg.CandleHistory:]
			}
			e.candles[c.Symbol] = hist
		default:
			return
		}
	}
}
