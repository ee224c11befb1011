package microstructure

import (
	"sync"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// DensityEventKind tags a density lifecycle event (spec.md §4.3).
type DensityEventKind string

const (
	DensityCreated     DensityEventKind = "created"
	DensityEaten       DensityEventKind = "eaten"
	DensityDisappeared DensityEventKind = "disappeared"
)

// DensityEvent is emitted by Scan. Within one book update, events are
// emitted Created, then Eaten, then Disappeared (spec.md §4.3 Ordering).
type DensityEvent struct {
	Kind    DensityEventKind
	Density types.Density
}

// DensityDetectorConfig mirrors preset.DensityConfig.
type DensityDetectorConfig struct {
	KDensity     float64
	TickSize     types.Decimal
	BucketTicks  int
	TTLSeconds   int64
	ReentryRatio float64
	EnterOnEatenRatio float64
}

// DensityDetector identifies order-book price buckets whose resting size
// materially exceeds the local median ("density wall") and tracks each
// wall's lifetime and eaten ratio (spec.md §4.3). It only reads from
// OrderBookManager (spec.md §3 Ownership) via a read-only snapshot.
type DensityDetector struct {
	mu       sync.Mutex
	book     *OrderBookManager
	cfg      DensityDetectorConfig
	walls    map[string]map[string]*types.Density // symbol -> bucket key -> density
}

func NewDensityDetector(book *OrderBookManager, cfg DensityDetectorConfig) *DensityDetector {
	return &DensityDetector{
		book:  book,
		cfg:   cfg,
		walls: make(map[string]map[string]*types.Density),
	}
}

// Scan recomputes densities for symbol from the current book state and
// returns the events raised, in Created/Eaten/Disappeared order.
func (d *DensityDetector) Scan(symbol string, now types.Millis) []DensityEvent {
	depths := d.book.DepthByBucket(symbol, d.cfg.TickSize, d.cfg.BucketTicks)
	if depths == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	bySide := make(map[types.Side][]BucketDepth)
	for _, bd := range depths {
		bySide[bd.Side] = append(bySide[bd.Side], bd)
	}

	symbolWalls, ok := d.walls[symbol]
	if !ok {
		symbolWalls = make(map[string]*types.Density)
		d.walls[symbol] = symbolWalls
	}

	var created, eaten, disappeared []DensityEvent
	seen := make(map[string]bool)

	for side, bds := range bySide {
		medians := localMedians(bds)
		for i, bd := range bds {
			key := string(side) + ":" + bd.Bucket.String()
			seen[key] = true
			median := medians[i]
			isDensity := median > 0 && bd.Size.GreaterThanOrEqual(decimal.NewFromFloat(d.cfg.KDensity * median))

			existing, has := symbolWalls[key]
			switch {
			case isDensity && !has:
				w := &types.Density{
					Symbol: symbol, PriceBucket: bd.Bucket, Side: side,
					InitialSize: bd.Size, CurrentSize: bd.Size, FirstSeenTS: now,
				}
				symbolWalls[key] = w
				created = append(created, DensityEvent{Kind: DensityCreated, Density: *w})
			case has:
				before := existing.EatenRatio
				existing.Recompute(bd.Size)
				if existing.EatenRatio >= d.cfg.EnterOnEatenRatio && before < d.cfg.EnterOnEatenRatio {
					eaten = append(eaten, DensityEvent{Kind: DensityEaten, Density: *existing})
				}
				reentryFloor := existing.InitialSize.Mul(decimal.NewFromFloat(1 - d.cfg.ReentryRatio))
				ttlElapsed := d.cfg.TTLSeconds > 0 && int64(now-existing.FirstSeenTS)/1000 > d.cfg.TTLSeconds
				if bd.Size.LessThan(reentryFloor) || ttlElapsed {
					disappeared = append(disappeared, DensityEvent{Kind: DensityDisappeared, Density: *existing})
					delete(symbolWalls, key)
				}
			}
		}
	}

	// Buckets that vanished entirely from the book (zero resting size) are
	// disappearances too.
	for key, w := range symbolWalls {
		if !seen[key] {
			disappeared = append(disappeared, DensityEvent{Kind: DensityDisappeared, Density: *w})
			delete(symbolWalls, key)
		}
	}

	events := make([]DensityEvent, 0, len(created)+len(eaten)+len(disappeared))
	events = append(events, created...)
	events = append(events, eaten...)
	events = append(events, disappeared...)
	return events
}

// Snapshot returns the currently tracked densities for symbol.
func (d *DensityDetector) Snapshot(symbol string) []types.Density {
	d.mu.Lock()
	defer d.mu.Unlock()
	walls := d.walls[symbol]
	out := make([]types.Density, 0, len(walls))
	for _, w := range walls {
		out = append(out, *w)
	}
	return out
}

// localMedians computes, for each bucket i, the median size of buckets in a
// +-N window around it (N=2), using gonum/stat for the median computation
// itself.
func localMedians(bds []BucketDepth) []float64 {
	n := len(bds)
	out := make([]float64, n)
	const radius = 2
	for i := range bds {
		lo := i - radius
		if lo < 0 {
			lo = 0
		}
		hi := i + radius + 1
		if hi > n {
			hi = n
		}
		window := make([]float64, 0, hi-lo)
		for j := lo; j < hi; j++ {
			if j == i {
				continue
			}
			f, _ := bds[j].Size.Float64()
			window = append(window, f)
		}
		if len(window) == 0 {
			out[i] = 0
			continue
		}
		sortFloat64s(window)
		out[i] = stat.Quantile(0.5, stat.Empirical, window, nil)
	}
	return out
}

func sortFloat64s(f []float64) {
	for i := 1; i < len(f); i++ {
		for j := i; j > 0 && f[j-1] > f[j]; j-- {
			f[j-1], f[j] = f[j], f[j-1]
		}
	}
}
