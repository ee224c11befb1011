// Package filter implements MarketFilter (spec.md §4.6): liquidity,
// volatility and correlation gates drawn from the preset. Generalized from
// the teacher's threshold/gate pattern in internal/risk/engine/limits.go.
package filter

import (
	"github.com/abdoElHodaky/breakoutengine/internal/preset"
)

// Input is the per-symbol measurement MarketFilter gates against. Callers
// (typically Scanner) are responsible for computing these from market data;
// MarketFilter itself performs no I/O.
type Input struct {
	Symbol         string
	Volume24hUSD   float64
	DepthAtSpreadUSD float64
	SpreadBps      float64
	Range24hPct    float64
	ATRRatio       float64
	BTCCorrelation float64
}

// Result is MarketFilter's verdict for one symbol.
type Result struct {
	Symbol  string
	Passed  bool
	Reasons []string // failing gate reason codes; empty when Passed
}

// MarketFilter evaluates symbols against preset.LiquidityFilters plus the
// BTC-correlation cap from preset.Risk.
type MarketFilter struct {
	cfg          preset.LiquidityFilters
	btcCorrCap   float64
}

func New(cfg preset.LiquidityFilters, btcCorrelationCap float64) *MarketFilter {
	return &MarketFilter{cfg: cfg, btcCorrCap: btcCorrelationCap}
}

// Evaluate runs every gate and returns all failing reason codes (spec.md
// §4.6 "Any failing gate rejects the symbol with a reason code" — plural,
// since a symbol can fail more than one gate at once and callers benefit
// from seeing the full picture).
func (f *MarketFilter) Evaluate(in Input) Result {
	res := Result{Symbol: in.Symbol, Passed: true}

	fail := func(reason string) {
		res.Passed = false
		res.Reasons = append(res.Reasons, reason)
	}

	if in.Volume24hUSD < f.cfg.Min24hVolumeUSD {
		fail("min_24h_volume")
	}
	if in.DepthAtSpreadUSD < f.cfg.MinDepthUSD {
		fail("min_depth")
	}
	if in.SpreadBps > f.cfg.MaxSpreadBps {
		fail("max_spread")
	}
	if in.Range24hPct > f.cfg.Max24hRangePct {
		fail("max_24h_range")
	}
	if in.ATRRatio < f.cfg.MinATRRatio {
		fail("min_atr_ratio")
	}
	if in.BTCCorrelation > f.btcCorrCap {
		fail("btc_correlation_cap")
	}

	return res
}
