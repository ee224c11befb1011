package microstructure

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// ActivityTrackerConfig mirrors the activity-related preset fields.
type ActivityTrackerConfig struct {
	WindowSeconds       int64
	DropThresholdFrac   float64 // fraction of recent max index must fall by
	DropWindowBars      int
	CooldownSeconds     int64
}

type symbolActivity struct {
	tpmHistory    []float64
	tpsHistory    []float64
	volHistory    []float64
	indexHistory  []float64
	recentMax     float64
	dropping      bool
	droppedAtTS   types.Millis
}

// ActivityTracker computes a z-scored composite activity index per symbol
// and latches an "activity drop" event when it falls sharply (spec.md
// §4.4). It only reads from TradesAggregator (spec.md §3 Ownership).
type ActivityTracker struct {
	mu     sync.Mutex
	trades *TradesAggregator
	cfg    ActivityTrackerConfig
	state  map[string]*symbolActivity
}

func NewActivityTracker(trades *TradesAggregator, cfg ActivityTrackerConfig) *ActivityTracker {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 300
	}
	if cfg.DropWindowBars <= 0 {
		cfg.DropWindowBars = 5
	}
	return &ActivityTracker{trades: trades, cfg: cfg, state: make(map[string]*symbolActivity)}
}

// Update recomputes activity metrics for symbol from the aggregator's
// current window (spec.md §4.4 "Recomputed on each trade").
func (a *ActivityTracker) Update(symbol string, now types.Millis) types.ActivityMetrics {
	tpm := a.trades.Tpm(symbol, a.cfg.WindowSeconds)
	tps := a.trades.Tps(symbol, a.cfg.WindowSeconds)
	volDelta := a.trades.VolDelta(symbol, a.cfg.WindowSeconds)
	fresh := a.trades.IsFresh(symbol)

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.state[symbol]
	if !ok {
		st = &symbolActivity{}
		a.state[symbol] = st
	}

	st.tpmHistory = appendCapped(st.tpmHistory, tpm, 256)
	st.tpsHistory = appendCapped(st.tpsHistory, tps, 256)
	st.volHistory = appendCapped(st.volHistory, volDelta, 256)

	index := 0.0
	if len(st.tpmHistory) > 0 {
		index = zscore(st.tpmHistory) + zscore(st.tpsHistory) + zscore(absAll(st.volHistory))
	}
	if index > 10 {
		index = 10
	}
	if index < -10 {
		index = -10
	}
	st.indexHistory = appendCapped(st.indexHistory, index, 256)

	if index > st.recentMax {
		st.recentMax = index
	}

	a.evaluateDrop(st, now)

	return types.ActivityMetrics{
		Symbol: symbol, TPM: tpm, TPS: tps, SignedVolDelta: volDelta,
		Index: index, IsDropping: st.dropping, Fresh: fresh,
	}
}

// evaluateDrop latches `dropping` true iff the index fell by at least
// DropThresholdFrac of its recent max within DropWindowBars samples; the
// latch clears after CooldownSeconds have elapsed since it tripped
// (spec.md §4.4).
func (a *ActivityTracker) evaluateDrop(st *symbolActivity, now types.Millis) {
	if st.dropping && a.cfg.CooldownSeconds > 0 {
		if int64(now-st.droppedAtTS)/1000 >= a.cfg.CooldownSeconds {
			st.dropping = false
		}
		return
	}

	n := len(st.indexHistory)
	if n < 2 || st.recentMax <= 0 {
		return
	}
	window := a.cfg.DropWindowBars
	if window > n {
		window = n
	}
	minInWindow := st.indexHistory[n-window]
	for i := n - window; i < n; i++ {
		if st.indexHistory[i] < minInWindow {
			minInWindow = st.indexHistory[i]
		}
	}
	drop := st.recentMax - minInWindow
	if drop >= a.cfg.DropThresholdFrac*st.recentMax {
		st.dropping = true
		st.droppedAtTS = now
	}
}

// IsDropping reports the latched activity-drop state for symbol without
// recomputing it.
func (a *ActivityTracker) IsDropping(symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.state[symbol]
	return ok && st.dropping
}

func appendCapped(s []float64, v float64, cap int) []float64 {
	s = append(s, v)
	if len(s) > cap {
		s = s[len(s)-cap:]
	}
	return s
}

func absAll(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		if v < 0 {
			v = -v
		}
		out[i] = v
	}
	return out
}

// zscore returns the z-score of the last sample against the full history's
// mean/stddev, 0 when history is too short or has no variance.
func zscore(history []float64) float64 {
	if len(history) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(history, nil)
	if std == 0 {
		return 0
	}
	return (history[len(history)-1] - mean) / std
}
