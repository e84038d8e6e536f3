package dlmm

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

// ODS component weights (spec §4.10).
var (
	WeightFeeIntensity  = decimal.NewFromFloat(0.35)
	WeightVolumeInRange = decimal.NewFromFloat(0.30)
	WeightBinStability  = decimal.NewFromFloat(0.20)
	WeightChurnQuality  = decimal.NewFromFloat(0.15)
)

// ZScoreClamp is the winsorization bound (spec §4.10).
const ZScoreClamp = 4.0

// Spike thresholds (spec §4.10).
var (
	SpikeODSThreshold        = decimal.NewFromFloat(2.2)
	RareConvergenceThreshold = decimal.NewFromFloat(2.8)
	SpikeRequiredCycles      = 2
)

// SpikeTTL and decay (spec §4.10).
var (
	SpikeTTL           = 15 * time.Minute
	SpikeDecayMinFloor = 5 * time.Minute
	SpikeDecayTrigger  = decimal.NewFromFloat(0.30) // fraction drop from peak
)

// Validation thresholds (spec §4.10).
var (
	MinSamplesSteadyState = 30
	MinSamplesBootstrap   = 5
	MaxStaleness          = 5 * time.Minute
	MaxIdenticalTimestampFraction = decimal.NewFromFloat(0.30)
)

// Clamp bounds for derived inputs (spec §4.10).
var (
	BinStabilitySlopeMax    = decimal.NewFromFloat(0.15)
	BinStabilityVelocityMax = decimal.NewFromFloat(0.02)
	ChurnQualityCeiling     = decimal.NewFromFloat(50)
)

// ValidationRejectReason enumerates why ODD rejected a pool for this cycle.
type ValidationRejectReason string

const (
	ValidationOK                ValidationRejectReason = ""
	ValidationInsufficientSamples ValidationRejectReason = "INSUFFICIENT_SAMPLES"
	ValidationStale              ValidationRejectReason = "STALE_SNAPSHOT"
	ValidationSyntheticData      ValidationRejectReason = "SYNTHETIC_DATA"
	ValidationFallbackData       ValidationRejectReason = "FALLBACK_DATA"
)

// ODDInput is one cycle's evaluation input for a pool.
type ODDInput struct {
	Pool              *Pool
	Snapshot          feed.PoolSnapshot
	Bootstrap         bool
	DefenseActive     bool
	PortfolioHealthy  bool
	ExpectedEV        decimal.Decimal
	Now               time.Time
}

// ODDResult is ODD's verdict for one cycle.
type ODDResult struct {
	Reject ValidationRejectReason
	ODS    decimal.Decimal
	IsSpike bool
	IsRareConvergence bool
}

// DeriveBinStability implements the bin_stability formula of spec §4.10,
// clamped to [0,1].
func DeriveBinStability(slope, binVelocity decimal.Decimal) decimal.Decimal {
	slopeTerm := decimal.NewFromInt(1).Sub(slope.Abs().Div(BinStabilitySlopeMax))
	velocityTerm := decimal.NewFromInt(1).Sub(binVelocity.Abs().Div(BinStabilityVelocityMax))
	result := slopeTerm.Mul(decimal.NewFromFloat(0.6)).Add(velocityTerm.Mul(decimal.NewFromFloat(0.4)))
	return clamp01(result)
}

// DeriveChurnQuality implements the churn_quality formula of spec §4.10.
func DeriveChurnQuality(swapVelocity, priceVelocity decimal.Decimal) decimal.Decimal {
	denom := priceVelocity.Abs()
	floor := decimal.NewFromFloat(1e-4)
	if denom.LessThan(floor) {
		denom = floor
	}
	ratio := swapVelocity.Abs().Div(denom)
	if ratio.GreaterThan(ChurnQualityCeiling) {
		return ChurnQualityCeiling
	}
	return ratio
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return d
}

// Evaluate implements spec §4.10: validation, ODS composite, sustained
// spike confirmation with TTL/decay.
func Evaluate(in ODDInput) ODDResult {
	if reject := validate(in); reject != ValidationOK {
		return ODDResult{Reject: reject}
	}

	binStability := DeriveBinStability(in.Snapshot.MigrationSlope, in.Snapshot.BinVelocity)
	churnQuality := DeriveChurnQuality(in.Snapshot.SwapVelocity, in.Snapshot.PriceVelocity)

	feeZ := decimal.NewFromFloat(in.Pool.FeeIntensity.ZScore(mustFloat(in.Snapshot.FeeIntensity), ZScoreClamp))
	volZ := decimal.NewFromFloat(in.Pool.VolumeInRange.ZScore(mustFloat(in.Snapshot.VolumeInRange), ZScoreClamp))
	stabZ := decimal.NewFromFloat(in.Pool.BinStability.ZScore(mustFloat(binStability), ZScoreClamp))
	churnZ := decimal.NewFromFloat(in.Pool.ChurnQuality.ZScore(mustFloat(churnQuality), ZScoreClamp))

	ods := feeZ.Mul(WeightFeeIntensity).
		Add(volZ.Mul(WeightVolumeInRange)).
		Add(stabZ.Mul(WeightBinStability)).
		Add(churnZ.Mul(WeightChurnQuality))

	result := ODDResult{ODS: ods}

	conditionsMet := ods.GreaterThanOrEqual(SpikeODSThreshold) &&
		(in.Snapshot.Regime == feed.RegimeNeutral || in.Snapshot.Regime == feed.RegimeBull) &&
		in.ExpectedEV.IsPositive() &&
		!in.DefenseActive &&
		in.PortfolioHealthy

	advanceSpikeState(in.Pool, conditionsMet, ods, in.Now)

	if in.Pool.Spike != nil && in.Pool.Spike.Confirmed && in.Now.Before(in.Pool.Spike.ExpiresAt) {
		result.IsSpike = true
	}
	if ods.GreaterThanOrEqual(RareConvergenceThreshold) {
		result.IsRareConvergence = true
	}

	return result
}

func advanceSpikeState(p *Pool, conditionsMet bool, ods decimal.Decimal, now time.Time) {
	if !conditionsMet {
		p.Spike = nil
		return
	}

	if p.Spike == nil {
		p.Spike = &SpikeState{ConsecutiveCycles: 1, PeakODS: ods}
		return
	}

	p.Spike.ConsecutiveCycles++
	if ods.GreaterThan(p.Spike.PeakODS) {
		p.Spike.PeakODS = ods
	}

	if !p.Spike.Confirmed && p.Spike.ConsecutiveCycles >= SpikeRequiredCycles {
		p.Spike.Confirmed = true
		p.Spike.ConfirmedAt = now
		p.Spike.ExpiresAt = now.Add(SpikeTTL)
		return
	}

	if p.Spike.Confirmed {
		dropFraction := p.Spike.PeakODS.Sub(ods).Div(p.Spike.PeakODS)
		if dropFraction.GreaterThanOrEqual(SpikeDecayTrigger) {
			accelerated := now.Add(SpikeDecayMinFloor)
			if accelerated.Before(p.Spike.ExpiresAt) {
				p.Spike.ExpiresAt = accelerated
			}
		}
	}
}

func validate(in ODDInput) ValidationRejectReason {
	minSamples := MinSamplesSteadyState
	if in.Bootstrap {
		minSamples = MinSamplesBootstrap
	}
	if in.Pool.FeeIntensity.Count() < minSamples {
		return ValidationInsufficientSamples
	}

	if !in.Pool.LastUpdatedAt.IsZero() && in.Now.Sub(in.Pool.LastUpdatedAt) > MaxStaleness {
		return ValidationStale
	}

	if decimal.NewFromFloat(in.Pool.FeeIntensity.FractionIdenticalTimestamps()).GreaterThan(MaxIdenticalTimestampFraction) {
		return ValidationSyntheticData
	}

	if in.Snapshot.FeeIntensity.IsZero() && in.Snapshot.VolumeInRange.IsZero() {
		return ValidationFallbackData
	}

	return ValidationOK
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
