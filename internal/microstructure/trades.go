// Package microstructure implements the trade/order-book feature
// extractors of spec.md §4.1-§4.4: TradesAggregator, OrderBookManager,
// DensityDetector and ActivityTracker. TradesAggregator and
// OrderBookManager own their rolling data; DensityDetector and
// ActivityTracker only hold read-only snapshots of it (spec.md §3
// Ownership).
package microstructure

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// TradesAggregator turns a continuous trade feed into bounded rolling
// statistics per symbol (spec.md §4.1), generalizing the teacher's
// per-symbol mutex/ring pattern in internal/strategy/momentum.go.
type TradesAggregator struct {
	mu             sync.RWMutex
	maxWindowS     int64
	windows        map[string][]types.Trade
	subscribed     map[string]bool
	gapMarked      map[string]bool
}

// NewTradesAggregator constructs an aggregator with the given maximum
// rolling window in seconds (spec.md §4.1 default 600s).
func NewTradesAggregator(maxWindowS int64) *TradesAggregator {
	if maxWindowS <= 0 {
		maxWindowS = 600
	}
	return &TradesAggregator{
		maxWindowS: maxWindowS,
		windows:    make(map[string][]types.Trade),
		subscribed: make(map[string]bool),
		gapMarked:  make(map[string]bool),
	}
}

// Subscribe marks symbol's window as maintained. Idempotent.
func (a *TradesAggregator) Subscribe(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.subscribed[symbol] {
		a.subscribed[symbol] = true
		if _, ok := a.windows[symbol]; !ok {
			a.windows[symbol] = nil
		}
	}
}

// Unsubscribe stops maintaining symbol's window. Idempotent.
func (a *TradesAggregator) Unsubscribe(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribed, symbol)
	delete(a.windows, symbol)
	delete(a.gapMarked, symbol)
}

// OnTrade appends a trade into symbol's rolling window and evicts entries
// older than maxWindowS.
func (a *TradesAggregator) OnTrade(t types.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.subscribed[t.Symbol] {
		return
	}
	w := append(a.windows[t.Symbol], t)
	cutoff := t.Timestamp - types.Millis(a.maxWindowS*1000)
	start := 0
	for start < len(w) && w[start].Timestamp < cutoff {
		start++
	}
	a.windows[t.Symbol] = w[start:]
}

// MarkGap records a stream reconnection gap for symbol; windows are
// preserved (spec.md §4.1).
func (a *TradesAggregator) MarkGap(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gapMarked[symbol] = true
}

// ClearGap clears a previously recorded gap, e.g. after resubscription.
func (a *TradesAggregator) ClearGap(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gapMarked[symbol] = false
}

// IsFresh reports whether symbol's stream has no outstanding gap marker.
func (a *TradesAggregator) IsFresh(symbol string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.gapMarked[symbol]
}

func (a *TradesAggregator) windowSince(symbol string, windowS int64, now types.Millis) []types.Trade {
	w := a.windows[symbol]
	if w == nil {
		return nil
	}
	cutoff := now - types.Millis(windowS*1000)
	out := w
	for len(out) > 0 && out[0].Timestamp < cutoff {
		out = out[1:]
	}
	return out
}

// Tpm returns trades-per-minute within windowS seconds. Queries over
// unsubscribed symbols return 0, never an error (spec.md §4.1).
func (a *TradesAggregator) Tpm(symbol string, windowS int64) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	trades := a.windowSince(symbol, windowS, latestTimestamp(a.windows[symbol]))
	if len(trades) == 0 {
		return 0
	}
	minutes := float64(windowS) / 60.0
	if minutes <= 0 {
		return 0
	}
	return float64(len(trades)) / minutes
}

// Tps returns trades-per-second within windowS seconds.
func (a *TradesAggregator) Tps(symbol string, windowS int64) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	trades := a.windowSince(symbol, windowS, latestTimestamp(a.windows[symbol]))
	if len(trades) == 0 || windowS <= 0 {
		return 0
	}
	return float64(len(trades)) / float64(windowS)
}

// VolDelta returns sum(size * sign(side)) within windowS seconds.
func (a *TradesAggregator) VolDelta(symbol string, windowS int64) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	trades := a.windowSince(symbol, windowS, latestTimestamp(a.windows[symbol]))
	delta := decimal.Zero
	for _, t := range trades {
		if t.Side == types.SideBuy {
			delta = delta.Add(t.Size)
		} else {
			delta = delta.Sub(t.Size)
		}
	}
	f, _ := delta.Float64()
	return f
}

// BuySellRatio returns Σbuy_size / (Σbuy_size+Σsell_size) within windowS
// seconds, 0.5 when no trades (spec.md §4.1).
func (a *TradesAggregator) BuySellRatio(symbol string, windowS int64) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	trades := a.windowSince(symbol, windowS, latestTimestamp(a.windows[symbol]))
	buy, sell := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.Side == types.SideBuy {
			buy = buy.Add(t.Size)
		} else {
			sell = sell.Add(t.Size)
		}
	}
	total := buy.Add(sell)
	if total.IsZero() {
		return 0.5
	}
	f, _ := buy.Div(total).Float64()
	return f
}

func latestTimestamp(trades []types.Trade) types.Millis {
	if len(trades) == 0 {
		return types.NowMillis()
	}
	return trades[len(trades)-1].Timestamp
}
