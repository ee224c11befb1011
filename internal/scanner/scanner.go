// Package scanner implements Scanner (spec.md §4.7): composes MarketFilter
// and a weighted, cross-batch z-scored feature sum into a bounded top-K
// candidate list. Per-symbol MarketFilter evaluation runs on a bounded
// worker pool (features arrive precomputed by the caller), generalizing the teacher's ants usage in
// internal/strategy/optimized_framework.go.
package scanner

import (
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/abdoElHodaky/breakoutengine/internal/filter"
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
	"github.com/abdoElHodaky/breakoutengine/internal/types"
)

// FeatureInput is the raw per-symbol measurement the caller assembles from
// market data before handing it to Scan. Scanner performs no I/O itself.
type FeatureInput struct {
	Symbol           string
	Filter           filter.Input
	VolSurge1h       float64
	OIDelta24h       float64
	ATR15mPct        float64
	TradesPressure   float64
	SpreadQualityRaw float64 // higher is better (e.g. 1/spread_bps)
	Levels           []types.Level
	Metrics          types.ActivityMetrics
}

// Scanner scores a candidate universe each cycle (spec.md §4.7).
type Scanner struct {
	marketFilter *filter.MarketFilter
	weights      preset.ScoreWeights
	topK         int
	poolSize     int
}

func New(mf *filter.MarketFilter, scannerCfg preset.Scanner, poolSize int) *Scanner {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Scanner{marketFilter: mf, weights: scannerCfg.ScoreWeights, topK: scannerCfg.TopK, poolSize: poolSize}
}

type featureRow struct {
	input  FeatureInput
	filter filter.Result
}

// Scan computes features for every candidate that survives MarketFilter,
// z-scores each feature across the current batch, applies
// preset.scanner.score_weights, and returns the top-K by score with a
// deterministic ascending-symbol tie-break (spec.md §4.7).
func (s *Scanner) Scan(candidates []FeatureInput) ([]types.ScanCandidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	rows := make([]featureRow, len(candidates))
	var wg sync.WaitGroup
	var mu sync.Mutex

	pool, err := ants.NewPool(s.poolSize)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	for i, c := range candidates {
		i, c := i, c
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			res := s.marketFilter.Evaluate(c.Filter)
			mu.Lock()
			rows[i] = featureRow{input: c, filter: res}
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
		}
	}
	wg.Wait()

	survivors := make([]featureRow, 0, len(rows))
	for _, r := range rows {
		if r.filter.Passed {
			survivors = append(survivors, r)
		}
	}
	if len(survivors) == 0 {
		return nil, nil
	}

	volSurge := zscoreBatch(extract(survivors, func(r featureRow) float64 { return r.input.VolSurge1h }))
	oiDelta := zscoreBatch(extract(survivors, func(r featureRow) float64 { return r.input.OIDelta24h }))
	atrQuality := zscoreBatch(extract(survivors, func(r featureRow) float64 { return r.input.ATR15mPct }))
	tradesPressure := zscoreBatch(extract(survivors, func(r featureRow) float64 { return r.input.TradesPressure }))
	spreadQuality := zscoreBatch(extract(survivors, func(r featureRow) float64 { return r.input.SpreadQualityRaw }))
	levelStrength := zscoreBatch(extract(survivors, func(r featureRow) float64 { return maxLevelStrength(r.input.Levels) }))

	out := make([]types.ScanCandidate, len(survivors))
	for i, r := range survivors {
		// spec.md §4.7 lists spread_quality among the computed features but
		// §6's score_weights only names five weights; it rides along on
		// half of trades_pressure's weight rather than being dropped.
		breakdown := map[string]float64{
			"vol_surge":       volSurge[i] * s.weights.VolSurge,
			"oi_delta":        oiDelta[i] * s.weights.OIDelta,
			"atr_quality":     atrQuality[i] * s.weights.ATRQuality,
			"trades_pressure": tradesPressure[i] * s.weights.TradesPressure,
			"spread_quality":  spreadQuality[i] * s.weights.TradesPressure * 0.5,
			"level_strength":  levelStrength[i] * s.weights.LevelStrength,
		}
		// Summed in a fixed order: map iteration order would let equal
		// feature rows differ in the last bit and defeat the tie-break.
		score := breakdown["vol_surge"] + breakdown["oi_delta"] + breakdown["atr_quality"] +
			breakdown["trades_pressure"] + breakdown["spread_quality"] + breakdown["level_strength"]
		out[i] = types.ScanCandidate{
			Symbol: r.input.Symbol, Score: score, FeatureBreakdown: breakdown,
			Levels: r.input.Levels, Metrics: r.input.Metrics,
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})

	if s.topK > 0 && len(out) > s.topK {
		out = out[:s.topK]
	}
	return out, nil
}

func extract(rows []featureRow, f func(featureRow) float64) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = f(r)
	}
	return out
}

func maxLevelStrength(lvls []types.Level) float64 {
	max := 0.0
	for _, l := range lvls {
		if l.Strength > max {
			max = l.Strength
		}
	}
	return max
}

// zscoreBatch z-scores values against the batch's own mean/stddev
// (spec.md §4.7 "features are z-scored across the current batch"), 0 when
// the batch has no variance. A batch of one is returned unchanged.
func zscoreBatch(values []float64) []float64 {
	if len(values) < 2 {
		return values
	}
	mean, std := stat.MeanStdDev(values, nil)
	out := make([]float64, len(values))
	if std == 0 {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}
