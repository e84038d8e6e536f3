package dlmm

import (
	"github.com/shopspring/decimal"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

// ExitReasonCode is a closed enum of exit-candidate reasons (spec §4.4,
// §9 Design Notes: "reimplement as a closed enum of reason codes ... the
// default for unknown codes MUST remain RISK").
type ExitReasonCode string

const (
	ReasonScoreDecayMinor   ExitReasonCode = "SCORE_DECAY_MINOR"   // <= 15% decay
	ReasonScoreDecayMajor   ExitReasonCode = "SCORE_DECAY_MAJOR"   // > 50% decay
	ReasonLowMovement       ExitReasonCode = "LOW_MOVEMENT"
	ReasonMinorVolatility   ExitReasonCode = "MINOR_VOLATILITY"
	ReasonNegativeEV        ExitReasonCode = "NEGATIVE_EV"
	ReasonAdverseRegimeFlip ExitReasonCode = "ADVERSE_REGIME_FLIP"
	ReasonMigrationSpike    ExitReasonCode = "MIGRATION_SPIKE"
	ReasonEmergencyKill     ExitReasonCode = "EMERGENCY_KILL"
)

// Classification is the output of the Exit Classifier.
type Classification string

const (
	ClassRisk  Classification = "RISK"
	ClassNoise Classification = "NOISE"
)

// MigrationSlopeRiskThreshold is the |migration slope|/min above which an
// exit is always RISK (spec §4.4).
var MigrationSlopeRiskThreshold = decimal.NewFromFloat(0.01)

// ScoreDecayMajorThreshold is the fractional score decay from entry above
// which an exit is always RISK (spec §4.4).
var ScoreDecayMajorThreshold = decimal.NewFromFloat(0.50)

// ScoreFloorAbsolute is the absolute score below which an exit is always
// RISK regardless of decay percentage (spec §4.3/§4.4).
var ScoreFloorAbsolute = decimal.NewFromInt(15)

// ClassifyInput is everything the classifier needs to judge one candidate
// exit.
type ClassifyInput struct {
	Reason         ExitReasonCode
	ExpectedEV     decimal.Decimal
	EntryRegime    feed.Regime
	CurrentRegime  feed.Regime
	MigrationSlope decimal.Decimal // per-minute, signed
	EntryScore     decimal.Decimal
	CurrentScore   decimal.Decimal
}

// ClassifyResult is the classifier's verdict.
type ClassifyResult struct {
	Classification Classification
	RiskType       string
	CanSuppress    bool
	Reason         ExitReasonCode
}

var adverseRegimeFlips = map[feed.Regime]map[feed.Regime]bool{
	feed.RegimeBull:    {feed.RegimeBear: true},
	feed.RegimeNeutral: {feed.RegimeBear: true},
}

var noiseReasons = map[ExitReasonCode]bool{
	ReasonScoreDecayMinor: true,
	ReasonLowMovement:     true,
	ReasonMinorVolatility: true,
}

// Classify tags a candidate exit as RISK or NOISE. The default for any
// reason code not explicitly recognized as NOISE is RISK — this is the
// fail-safe behavior spec §4.4 mandates.
func Classify(in ClassifyInput) ClassifyResult {
	if isAdverseRegimeFlip(in.EntryRegime, in.CurrentRegime) {
		return risk(in.Reason, "ADVERSE_REGIME_FLIP")
	}
	if in.ExpectedEV.IsNegative() {
		return risk(in.Reason, "NEGATIVE_EV")
	}
	if in.MigrationSlope.Abs().GreaterThan(MigrationSlopeRiskThreshold) {
		return risk(in.Reason, "MIGRATION_SLOPE")
	}
	if in.Reason == ReasonEmergencyKill {
		return risk(in.Reason, "EMERGENCY_KILL")
	}
	if isMajorScoreDecay(in.EntryScore, in.CurrentScore) {
		return risk(in.Reason, "SCORE_DECAY")
	}

	if noiseReasons[in.Reason] {
		return ClassifyResult{
			Classification: ClassNoise,
			CanSuppress:    true,
			Reason:         in.Reason,
		}
	}

	// Fail-safe default: unknown or unmapped reason codes are RISK.
	return risk(in.Reason, "UNCLASSIFIED_REASON")
}

func risk(reason ExitReasonCode, riskType string) ClassifyResult {
	return ClassifyResult{
		Classification: ClassRisk,
		RiskType:       riskType,
		CanSuppress:    false,
		Reason:         reason,
	}
}

func isAdverseRegimeFlip(entry, current feed.Regime) bool {
	flips, ok := adverseRegimeFlips[entry]
	if !ok {
		return false
	}
	return flips[current]
}

func isMajorScoreDecay(entry, current decimal.Decimal) bool {
	if current.LessThan(ScoreFloorAbsolute) {
		return true
	}
	if entry.IsZero() {
		return false
	}
	decay := entry.Sub(current).Div(entry)
	return decay.GreaterThan(ScoreDecayMajorThreshold)
}
