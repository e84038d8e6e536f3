// Capital Ramp implements spec §4.9's "Prove-It" tranche progression.
// Per-pool caps and the named-constant style follow the teacher pack's
// elys-network-LP-Rebalancing-Vault DefaultScoringParameters (MaxPools,
// MinAllocation, MaxAllocation), adapted to the tranche/proof model rather
// than that repo's learning-rate scoring model.
package dlmm

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stage sizing as a fraction of equity (spec §4.9).
var (
	ProbeEquityFraction    = decimal.NewFromFloat(0.010)
	ProbeCap               = decimal.NewFromInt(150)
	ProbeFloor             = decimal.NewFromInt(25)
	Tranche2EquityFraction = decimal.NewFromFloat(0.025)
	Tranche3EquityFraction = decimal.NewFromFloat(0.050)
	CapEquityFraction      = decimal.NewFromFloat(0.30)
	PerPoolHardCap         = decimal.NewFromFloat(0.18)
)

// Reserve and concentration constraints (spec §4.1, §4.9).
var (
	ReserveRatio      = decimal.NewFromFloat(0.30)
	PerPoolEntryCap   = decimal.NewFromFloat(0.20)
	MaxConcurrentPoolsInitial = 5
	MaxConcurrentPoolsSteady  = 3
	TopPerformerMaxShare      = decimal.NewFromFloat(0.30)
)

// Proof criteria (spec §4.9).
var (
	ProofWindowMin           = 45 * time.Minute
	ProofWindowMax           = 90 * time.Minute
	ProofFeeCostRatio        = decimal.NewFromFloat(0.35)
	ProofFeeVelocityPer1000  = decimal.NewFromFloat(0.10) // $/hr per $1000 deployed; tunable (§9)
	ProofRequiredConsecutive = 3
	StageDwellMinimum        = 30 * time.Minute
	RampCooldown             = 6 * time.Hour
	RampBlacklistAfterFails  = 3
	RampBlacklistDuration    = 24 * time.Hour
)

// RampProofInput is one evaluation window's proof inputs.
type RampProofInput struct {
	AccumulatedFees       decimal.Decimal
	EntryCost             decimal.Decimal
	ExpectedExitCost      decimal.Decimal
	NormalizedFeeVelocity decimal.Decimal // $/hr per $1000 deployed
	WindowStartedAt       time.Time
	Now                   time.Time
}

// RampOutcome is the ramp's verdict after evaluating proof criteria.
type RampOutcome string

const (
	RampOutcomeNone         RampOutcome = ""
	RampOutcomeStepUp       RampOutcome = "STEP_UP"
	RampOutcomeWindowExpired RampOutcome = "WINDOW_EXPIRED"
	RampOutcomeBlacklist    RampOutcome = "BLACKLIST"
)

// nextStage defines the tranche progression order.
var nextStage = map[CapitalStage]CapitalStage{
	StageProbe:    StageTranche2,
	StageTranche2: StageTranche3,
	StageTranche3: StageCap,
}

// EvaluateProof implements spec §4.9's "either suffices" proof criteria and
// the stage-progression outcomes.
func EvaluateProof(state *RampState, in RampProofInput) RampOutcome {
	elapsed := in.Now.Sub(in.WindowStartedAt)

	proofByFees := in.AccumulatedFees.GreaterThanOrEqual(
		ProofFeeCostRatio.Mul(in.EntryCost.Add(in.ExpectedExitCost)))

	if proofByFees {
		state.ConsecutiveProofs++
	} else if in.NormalizedFeeVelocity.GreaterThanOrEqual(ProofFeeVelocityPer1000) {
		state.ConsecutiveProofs++
	} else {
		state.ConsecutiveProofs = 0
	}

	proven := proofByFees || state.ConsecutiveProofs >= ProofRequiredConsecutive

	if proven && elapsed >= ProofWindowMin {
		if in.Now.Sub(state.StageEnteredAt) >= StageDwellMinimum {
			if next, ok := nextStage[state.Stage]; ok {
				state.Stage = next
				state.StageEnteredAt = in.Now
				state.ConsecutiveFails = 0
				state.ConsecutiveProofs = 0
				return RampOutcomeStepUp
			}
		}
		return RampOutcomeNone // already at CAP, or dwell not yet satisfied
	}

	if elapsed >= ProofWindowMax {
		state.ConsecutiveFails++
		state.ConsecutiveProofs = 0
		if state.ConsecutiveFails >= RampBlacklistAfterFails {
			state.BlacklistedUntil = in.Now.Add(RampBlacklistDuration)
			return RampOutcomeBlacklist
		}
		return RampOutcomeWindowExpired
	}

	return RampOutcomeNone
}

// StageSize computes the dollar size for a ramp stage given total equity,
// clamped to the Probe floor/cap where applicable and to the per-pool hard
// cap at steady state (spec §4.9).
func StageSize(stage CapitalStage, totalEquity decimal.Decimal) decimal.Decimal {
	var size decimal.Decimal
	switch stage {
	case StageProbe:
		size = totalEquity.Mul(ProbeEquityFraction)
		if size.GreaterThan(ProbeCap) {
			size = ProbeCap
		}
		if size.LessThan(ProbeFloor) {
			size = ProbeFloor
		}
		return size
	case StageTranche2:
		size = totalEquity.Mul(Tranche2EquityFraction)
	case StageTranche3:
		size = totalEquity.Mul(Tranche3EquityFraction)
	case StageCap:
		size = totalEquity.Mul(CapEquityFraction)
		hardCap := totalEquity.Mul(PerPoolHardCap)
		if size.GreaterThan(hardCap) {
			size = hardCap
		}
	}
	return size
}

// CanAffordEntry checks the global reserve constraint and per-pool entry
// cap before an entry is approved (spec §4.1/§4.9 invariants).
func CanAffordEntry(totalEquity, deployedCapital, entrySize decimal.Decimal) bool {
	maxDeployable := totalEquity.Mul(decimal.NewFromInt(1).Sub(ReserveRatio))
	if deployedCapital.Add(entrySize).GreaterThan(maxDeployable) {
		return false
	}
	perPoolMax := totalEquity.Mul(PerPoolEntryCap)
	return entrySize.LessThanOrEqual(perPoolMax)
}
