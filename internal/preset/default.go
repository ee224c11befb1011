package preset

// Default returns a conservative, internally consistent Preset suitable as
// a paper-mode starting point and as the fixture for tests across the
// pipeline (scanner, signal, risk, execution, position).
func Default() *Preset {
	return &Preset{
		Name: "default",
		Risk: Risk{
			RiskPerTrade:           0.01,
			DailyRiskLimit:         0.05,
			MaxConcurrentPositions: 5,
			KillSwitchLossR:        5,
			KillSwitchConsecutive:  6,
			BTCCorrelationCap:      0.6,
		},
		LiquidityFilters: LiquidityFilters{
			Min24hVolumeUSD: 5_000_000,
			MinDepthUSD:     50_000,
			MaxSpreadBps:    15,
			Max24hRangePct:  0.02,
			MinATRRatio:     0.5,
		},
		Scanner: Scanner{
			TopK: 20,
			ScoreWeights: ScoreWeights{
				VolSurge:       0.25,
				OIDelta:        0.1,
				ATRQuality:     0.2,
				TradesPressure: 0.25,
				LevelStrength:  0.2,
			},
		},
		LevelsRules: LevelsRules{
			PivotLookback:       5,
			MergeRadiusBps:      15,
			RoundNumberTolBps:   10,
			RoundStepCandidates: []float64{1, 10, 100, 1000},
			CascadeMinLevels:    3,
			CascadeRadiusBps:    40,
			MaxApproachSlopePct: 1.5,
			ApproachLookback:    5,
		},
		DensityConfig: DensityConfig{
			KDensity:     3,
			BucketTicks:  1,
			TTLSeconds:   900,
			ReentryRatio: 0.3,
			ThrottleMs:   250,
		},
		SignalConfig: SignalConfig{
			MomentumMinBreakBps:          5,
			VolumeConfirmationMultiplier: 2,
			EnterOnDensityEatRatio:       0.75,
			StrictMomentumGate:           false,
			PrelevelLimitOffsetBps:       3,
			StopBufferBps:                10,
			TPMOnTouchFrac:               0.8,
			RetestBandBps:                8,
			RetestOffsetBps:              3,
			MinConfidence:                0.55,
			CooldownSeconds:              600,
			ActivityDropEnabled:          true,
			EntryRules: EntryRules{
				MaxDistanceFromLevelBps: 50,
				FalseStartLookbackBars:  10,
				SessionEdgeWindowMin:    15,
			},
			MarketQuality: MarketQuality{
				MaxFlatRangePct:      0.01,
				MaxNoiseRatio:        0.6,
				VolatilityStableBars: 10,
			},
		},
		PositionConfig: PositionConfig{
			TPLevels: []TPLevel{
				{RewardMultiple: 1.0, SizePct: 0.3, PlacementMode: "fixed"},
				{RewardMultiple: 2.0, SizePct: 0.3, PlacementMode: "smart"},
				{RewardMultiple: 3.5, SizePct: 0.2, PlacementMode: "adaptive"},
			},
			SLMode: SLModeFixed,
			Breakeven: Breakeven{
				TriggerR:  1.0,
				BufferBps: 5,
			},
			Trailing: Trailing{
				ActivationR:  1.5,
				StepBps:      20,
				AccelAfterR:  3.0,
				AccelStepBps: 35,
			},
			TimeStopMinutes:  0,
			MaxHoldTimeHours: 48,
			ExitRules: ExitRules{
				FailedBreakoutBars:            6,
				FailedBreakoutRetestThreshold: 0.002,
			},
			FSMConfig: FSMConfig{
				EntryConfirmationBars:     5,
				ExitingPanicAfterAttempts: 3,
			},
		},
	}
}
