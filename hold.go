package dlmm

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

// Hold-entry thresholds (spec §4.3).
var (
	HoldEntryMaxPriceMovePerHour = decimal.NewFromFloat(0.005) // 0.5%/hour
	HoldEntryMaxMigrationSlope   = decimal.NewFromFloat(0.002)
	HoldEntryMinFeeIntensity     = decimal.NewFromFloat(0.02)
	HoldEntryMinExpectedNetValue = decimal.NewFromFloat(0.10)
)

// HoldExitMigrationSlopeMultiple is how far above the entry threshold the
// migration slope must rise to force a HOLD exit (spec §4.3).
var HoldExitMigrationSlopeMultiple = decimal.NewFromInt(2)

// HoldDurationCap is the regime-dependent maximum time a position may
// remain in HOLD (spec §4.3).
var HoldDurationCap = map[feed.Regime]time.Duration{
	feed.RegimeBear:    2 * time.Hour,
	feed.RegimeNeutral: 4 * time.Hour,
	feed.RegimeBull:    6 * time.Hour,
}

// HoldEvalInput is the per-cycle input to the HOLD mode evaluator.
type HoldEvalInput struct {
	Position            *Position
	PriceMovePerHour     decimal.Decimal
	MigrationSlope       decimal.Decimal
	NormalizedFeeIntensity decimal.Decimal
	ExpectedNetValue     decimal.Decimal
	EntryRegime          feed.Regime
	CurrentRegime        feed.Regime
	CurrentScore         decimal.Decimal
	Now                  time.Time
}

// HoldEvalResult reports whether a position may enter/must exit HOLD.
type HoldEvalResult struct {
	CanEnterHold            bool
	HoldRejectReason        string
	ShouldExitHold          bool
	HoldExitReason          ExitReasonCode
	SuppressLowMovementExit bool
	SuppressScoreDecayExit  bool
}

// EvaluateHold implements spec §4.3.
func EvaluateHold(in HoldEvalInput) HoldEvalResult {
	var res HoldEvalResult

	res.CanEnterHold, res.HoldRejectReason = canEnterHold(in)

	if in.Position.State == StateHold {
		res.ShouldExitHold, res.HoldExitReason = shouldExitHold(in)
		if !res.ShouldExitHold {
			res.SuppressLowMovementExit = true
			res.SuppressScoreDecayExit = true
		}
	}

	return res
}

func canEnterHold(in HoldEvalInput) (bool, string) {
	if in.PriceMovePerHour.Abs().GreaterThanOrEqual(HoldEntryMaxPriceMovePerHour) {
		return false, "price movement too high"
	}
	if in.MigrationSlope.Abs().GreaterThanOrEqual(HoldEntryMaxMigrationSlope) {
		return false, "migration slope too high"
	}
	if in.NormalizedFeeIntensity.LessThan(HoldEntryMinFeeIntensity) {
		return false, "fee intensity below floor"
	}
	if in.ExpectedNetValue.LessThan(HoldEntryMinExpectedNetValue) {
		return false, "expected net value below floor"
	}
	return true, ""
}

func shouldExitHold(in HoldEvalInput) (bool, ExitReasonCode) {
	if in.MigrationSlope.Abs().GreaterThan(HoldEntryMaxMigrationSlope.Mul(HoldExitMigrationSlopeMultiple)) {
		return true, ReasonMigrationSpike
	}
	if in.ExpectedNetValue.IsNegative() {
		return true, ReasonNegativeEV
	}
	if isAdverseRegimeFlip(in.EntryRegime, in.CurrentRegime) {
		return true, ReasonAdverseRegimeFlip
	}
	if in.CurrentScore.LessThan(HoldExitScoreFloor) {
		return true, ReasonScoreDecayMajor
	}
	cap, ok := HoldDurationCap[in.CurrentRegime]
	if ok && in.Position.HoldEnteredAt != nil {
		if in.Now.Sub(*in.Position.HoldEnteredAt) > cap {
			return true, ExitReasonCode("HOLD_DURATION_CAP_EXCEEDED")
		}
	}
	return false, ""
}

// HoldExitScoreFloor is the absolute score floor for HOLD exits (spec
// §4.3: "score falls below absolute floor (18)").
var HoldExitScoreFloor = decimal.NewFromInt(18)
