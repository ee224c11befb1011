// Package preset implements the strategy Preset schema of spec.md §6:
// serialised configuration grouped by concern (risk, liquidity filters,
// scanner weights, level rules, density config, signal config, position
// config), loaded with yaml and validated with go-playground/validator,
// the same pairing the teacher uses in pkg/config + internal/validation.
package preset

import (
	"bytes"
	"fmt"
	"os"

	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/abdoElHodaky/breakoutengine/internal/xerrors"
)

// Risk groups risk-budget parameters (spec.md §6 "risk").
type Risk struct {
	RiskPerTrade          float64 `yaml:"risk_per_trade" validate:"gt=0,lte=1"`
	DailyRiskLimit        float64 `yaml:"daily_risk_limit" validate:"gt=0"`
	MaxConcurrentPositions int    `yaml:"max_concurrent_positions" validate:"gte=1"`
	KillSwitchLossR       float64 `yaml:"kill_switch_loss_r" validate:"gt=0"`
	KillSwitchConsecutive int    `yaml:"kill_switch_consecutive" validate:"gte=1"`
	BTCCorrelationCap     float64 `yaml:"btc_correlation_cap" validate:"gte=0,lte=1"`
}

// LiquidityFilters groups the MarketFilter gates (spec.md §6).
type LiquidityFilters struct {
	Min24hVolumeUSD float64 `yaml:"min_24h_volume_usd" validate:"gte=0"`
	MinDepthUSD     float64 `yaml:"min_depth_usd" validate:"gte=0"`
	MaxSpreadBps    float64 `yaml:"max_spread_bps" validate:"gte=0"`
	Max24hRangePct  float64 `yaml:"max_24h_range_pct" validate:"gte=0"`
	MinATRRatio     float64 `yaml:"min_atr_ratio" validate:"gte=0"`
}

// ScoreWeights groups Scanner.score_weights (spec.md §6, §4.7).
type ScoreWeights struct {
	VolSurge       float64 `yaml:"vol_surge" validate:"gte=0"`
	OIDelta        float64 `yaml:"oi_delta" validate:"gte=0"`
	ATRQuality     float64 `yaml:"atr_quality" validate:"gte=0"`
	TradesPressure float64 `yaml:"trades_pressure" validate:"gte=0"`
	LevelStrength  float64 `yaml:"level_strength" validate:"gte=0"`
}

// Scanner groups the Scanner-facing preset knobs.
type Scanner struct {
	TopK         int          `yaml:"top_k" validate:"gte=1"`
	ScoreWeights ScoreWeights `yaml:"score_weights"`
}

// LevelsRules groups LevelDetector parameters (spec.md §4.5, §6).
type LevelsRules struct {
	PivotLookback        int       `yaml:"pivot_lookback" validate:"gte=1"`
	MergeRadiusBps       float64   `yaml:"merge_radius_bps" validate:"gte=0"`
	RoundNumberTolBps    float64   `yaml:"round_number_tol_bps" validate:"gte=0"`
	RoundStepCandidates  []float64 `yaml:"round_step_candidates"`
	CascadeMinLevels     int       `yaml:"cascade_min_levels" validate:"gte=1"`
	CascadeRadiusBps     float64   `yaml:"cascade_radius_bps" validate:"gte=0"`
	MaxApproachSlopePct  float64   `yaml:"max_approach_slope_pct" validate:"gte=0"`
	ApproachLookback     int       `yaml:"approach_lookback" validate:"gte=1"`
}

// DensityConfig groups DensityDetector parameters (spec.md §4.3, §6).
type DensityConfig struct {
	KDensity   float64 `yaml:"k_density" validate:"gt=1"`
	BucketTicks int    `yaml:"bucket_ticks" validate:"gte=1"`
	TTLSeconds int     `yaml:"ttl_s" validate:"gte=1"`
	ReentryRatio float64 `yaml:"reentry_ratio" validate:"gte=0,lte=1"`
	ThrottleMs  int     `yaml:"throttle_ms" validate:"gte=0"`
}

// EntryRules groups SignalGenerator's entry-quality gate (spec.md §4.8).
type EntryRules struct {
	MaxDistanceFromLevelBps float64 `yaml:"max_distance_from_level_bps" validate:"gte=0"`
	FalseStartLookbackBars  int     `yaml:"false_start_lookback_bars" validate:"gte=0"`
	SessionEdgeWindowMin    int     `yaml:"session_edge_window_min" validate:"gte=0"`
}

// MarketQuality groups SignalGenerator's market-quality gate.
type MarketQuality struct {
	MaxFlatRangePct  float64 `yaml:"max_flat_range_pct" validate:"gte=0"`
	MaxNoiseRatio    float64 `yaml:"max_noise_ratio" validate:"gte=0"`
	VolatilityStableBars int `yaml:"volatility_stable_bars" validate:"gte=0"`
}

// SignalConfig groups SignalGenerator parameters (spec.md §4.8, §6).
type SignalConfig struct {
	MomentumMinBreakBps        float64       `yaml:"momentum_min_break_bps" validate:"gte=0"`
	VolumeConfirmationMultiplier float64     `yaml:"volume_confirmation_multiplier" validate:"gte=0"`
	EnterOnDensityEatRatio     float64       `yaml:"enter_on_density_eat_ratio" validate:"gte=0,lte=1"`
	StrictMomentumGate         bool          `yaml:"strict_momentum_gate"`
	PrelevelLimitOffsetBps     float64       `yaml:"prelevel_limit_offset_bps" validate:"gte=0"`
	StopBufferBps              float64       `yaml:"stop_buffer_bps" validate:"gte=0"`
	TPMOnTouchFrac             float64       `yaml:"tpm_on_touch_frac" validate:"gte=0"`
	RetestBandBps              float64       `yaml:"retest_band_bps" validate:"gte=0"`
	RetestOffsetBps            float64       `yaml:"retest_offset_bps" validate:"gte=0"`
	MinConfidence              float64       `yaml:"min_confidence" validate:"gte=0,lte=1"`
	CooldownSeconds            int           `yaml:"cooldown_s" validate:"gte=0"`
	ActivityDropEnabled        bool          `yaml:"activity_drop_enabled"`
	EntryRules                EntryRules    `yaml:"entry_rules"`
	MarketQuality              MarketQuality `yaml:"market_quality"`
}

// TPLevel mirrors types.TPLevel at the config level (spec.md §4.10).
type TPLevel struct {
	RewardMultiple float64 `yaml:"reward_multiple" validate:"gt=0"`
	SizePct        float64 `yaml:"size_pct" validate:"gt=0,lte=1"`
	PlacementMode  string  `yaml:"placement_mode" validate:"oneof=fixed smart adaptive"`
}

// ExitRules groups PositionFSM exit conditions (spec.md §4.10).
type ExitRules struct {
	FailedBreakoutBars           int     `yaml:"failed_breakout_bars" validate:"gte=0"`
	FailedBreakoutRetestThreshold float64 `yaml:"failed_breakout_retest_threshold" validate:"gte=0"`
}

// FSMConfig groups PositionFSM timing parameters.
type FSMConfig struct {
	EntryConfirmationBars int `yaml:"entry_confirmation_bars" validate:"gte=1"`
	ExitingPanicAfterAttempts int `yaml:"exiting_panic_after_attempts" validate:"gte=1"`
}

// Trailing groups the trailing-stop parameters (spec.md §4.10).
type Trailing struct {
	ActivationR     float64 `yaml:"activation_r" validate:"gt=0"`
	StepBps         float64 `yaml:"step_bps" validate:"gt=0"`
	AccelAfterR     float64 `yaml:"accel_after_r" validate:"gt=0"`
	AccelStepBps    float64 `yaml:"accel_step_bps" validate:"gt=0"`
}

// Breakeven groups the breakeven-shift parameters.
type Breakeven struct {
	TriggerR   float64 `yaml:"trigger_r" validate:"gt=0"`
	BufferBps  float64 `yaml:"buffer_bps" validate:"gte=0"`
}

// SLMode is the stop-loss computation mode.
type SLMode string

const (
	SLModeFixed      SLMode = "fixed"
	SLModeATR        SLMode = "atr"
	SLModeChandelier SLMode = "chandelier"
)

// PositionConfig groups Position/PositionFSM parameters (spec.md §4.10, §6).
type PositionConfig struct {
	TPLevels            []TPLevel `yaml:"tp_levels" validate:"required,min=2,max=6,dive"`
	// Legacy fields kept only so Validate can detect and reject
	// contradictory mixed configuration (spec.md §9, Open Question #1).
	LegacyTP1R          *float64  `yaml:"tp1_r,omitempty"`
	LegacyTP2R          *float64  `yaml:"tp2_r,omitempty"`
	SLMode              SLMode    `yaml:"sl_mode" validate:"oneof=fixed atr chandelier"`
	Breakeven           Breakeven `yaml:"breakeven"`
	Trailing            Trailing  `yaml:"trailing"`
	TimeStopMinutes     int       `yaml:"time_stop_minutes" validate:"gte=0"`
	MaxHoldTimeHours    float64   `yaml:"max_hold_time_hours" validate:"gt=0"`
	ExitRules           ExitRules `yaml:"exit_rules"`
	FSMConfig           FSMConfig `yaml:"fsm_config"`
}

// Preset is the full, immutable strategy configuration (spec.md §3, §6).
// Once loaded and validated it must never be mutated; the Engine swaps
// whole *Preset values between cycles rather than editing fields in place.
type Preset struct {
	Name             string           `yaml:"name" validate:"required"`
	Risk             Risk             `yaml:"risk"`
	LiquidityFilters LiquidityFilters `yaml:"liquidity_filters"`
	Scanner          Scanner          `yaml:"scanner"`
	LevelsRules      LevelsRules      `yaml:"levels_rules"`
	DensityConfig    DensityConfig    `yaml:"density_config"`
	SignalConfig     SignalConfig     `yaml:"signal_config"`
	PositionConfig   PositionConfig   `yaml:"position_config"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	return v
}

// Load reads and validates a Preset from a yaml file.
func Load(path string) (*Preset, *xerrors.Error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.New(xerrors.CategoryConfigInvalid, xerrors.CodePresetInvalid,
			"cannot read preset file").WithCause(err)
	}
	return Parse(data)
}

// Parse decodes and validates a Preset from raw yaml bytes. Unknown fields
// are rejected per spec.md §6.
func Parse(data []byte) (*Preset, *xerrors.Error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Preset
	if err := dec.Decode(&p); err != nil {
		return nil, xerrors.New(xerrors.CategoryConfigInvalid, xerrors.CodePresetInvalid,
			"preset decode failed").WithCause(err)
	}
	if xerr := p.Validate(); xerr != nil {
		return nil, xerr
	}
	return &p, nil
}

// Marshal serialises the preset back to yaml. Marshal -> Parse -> Marshal
// yields byte-identical output given an unchanged struct (spec.md §8).
func (p *Preset) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate enforces the field-level ranges and cross-field invariants of
// spec.md §6: percentages in [0,1], bps non-negative, TP ladder ordered
// with R strictly increasing and size_pct summing to <= 1, and rejects
// presets that mix the legacy tp1_r/tp2_r fields with the ladder.
func (p *Preset) Validate() *xerrors.Error {
	if err := validate.Struct(p); err != nil {
		return xerrors.New(xerrors.CategoryConfigInvalid, xerrors.CodePresetInvalid,
			"preset field validation failed").WithCause(err)
	}

	if p.PositionConfig.LegacyTP1R != nil || p.PositionConfig.LegacyTP2R != nil {
		return xerrors.New(xerrors.CategoryConfigInvalid, xerrors.CodePresetInvalid,
			"preset mixes legacy tp1_r/tp2_r fields with the flexible tp_levels ladder")
	}

	ladder := p.PositionConfig.TPLevels
	sumSize := 0.0
	for i, lvl := range ladder {
		if i > 0 && lvl.RewardMultiple <= ladder[i-1].RewardMultiple {
			return xerrors.New(xerrors.CategoryConfigInvalid, xerrors.CodePresetInvalid,
				fmt.Sprintf("tp_levels reward_multiple must strictly increase (level %d)", i))
		}
		sumSize += lvl.SizePct
	}
	if sumSize > 1.0+1e-9 {
		return xerrors.New(xerrors.CategoryConfigInvalid, xerrors.CodePresetInvalid,
			"tp_levels size_pct must sum to <= 1.0")
	}

	if p.SignalConfig.EnterOnDensityEatRatio == 0 && p.SignalConfig.VolumeConfirmationMultiplier == 0 {
		return xerrors.New(xerrors.CategoryConfigInvalid, xerrors.CodePresetInvalid,
			"signal_config must configure at least one momentum confirmation gate")
	}

	return nil
}
