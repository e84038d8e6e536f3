package dlmm

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Escape-hatch thresholds (spec §4.5).
var (
	EscapeHatchTTL                 = 45 * time.Minute
	EscapeHatchSuppressionCap       = 60
	EscapeHatchMaxBadSamples        = 10 // bad-sample counter ceiling
	EscapeHatchEconomicStaleTimeout = 90 * time.Minute
	EscapeHatchMinFeeVelocity       = decimal.NewFromFloat(0.01) // $/hr
)

// ForcedExitReason enumerates why the Escape Hatch fired.
type ForcedExitReason string

const (
	ForcedExitNone           ForcedExitReason = ""
	ForcedExitTTL            ForcedExitReason = "FORCED_EXIT_TTL"
	ForcedExitSuppressCap    ForcedExitReason = "FORCED_EXIT_SUPPRESS_CAP"
	ForcedExitEconomicStale  ForcedExitReason = "FORCED_EXIT_ECONOMIC_STALE"
)

// ExitState mirrors the dashboard-facing exitState field of spec §4.5.
type ExitState string

const (
	ExitStateHold               ExitState = "HOLD"
	ExitStateExitTriggered      ExitState = "EXIT_TRIGGERED"
	ExitStateForcedExitPending  ExitState = "FORCED_EXIT_PENDING"
)

// EscapeHatchInput is the per-cycle input for a position currently in
// EXIT_TRIGGERED.
type EscapeHatchInput struct {
	Position             *Position
	BadSampleCount        int
	CostTarget            decimal.Decimal
	FeesAccruedSoFar      decimal.Decimal
	Now                   time.Time
}

// EscapeHatchResult is the hatch's verdict for this cycle.
type EscapeHatchResult struct {
	Fired     bool
	Reason    ForcedExitReason
	ExitState ExitState
}

// EvaluateEscapeHatch implements spec §4.5's three independent forced-exit
// conditions. Only meaningful when Position.State == StateExitTriggered.
func EvaluateEscapeHatch(in EscapeHatchInput) EscapeHatchResult {
	lc := NewLifecycle(in.Position)

	if in.Position.State != StateExitTriggered {
		return EscapeHatchResult{ExitState: ExitStateHold}
	}

	if lc.ExitTriggeredDuration(in.Now) > EscapeHatchTTL {
		log.Warn().Str("position_id", in.Position.ID).Msg("escape hatch: TTL exceeded")
		return EscapeHatchResult{Fired: true, Reason: ForcedExitTTL, ExitState: ExitStateForcedExitPending}
	}

	if in.Position.SuppressionCount(in.Now) >= EscapeHatchSuppressionCap {
		log.Warn().Str("position_id", in.Position.ID).Msg("escape hatch: suppression cap exceeded")
		return EscapeHatchResult{Fired: true, Reason: ForcedExitSuppressCap, ExitState: ExitStateForcedExitPending}
	}

	if in.BadSampleCount >= EscapeHatchMaxBadSamples {
		if economicallyStale(in) {
			log.Warn().Str("position_id", in.Position.ID).Msg("escape hatch: economic staleness")
			return EscapeHatchResult{Fired: true, Reason: ForcedExitEconomicStale, ExitState: ExitStateForcedExitPending}
		}
	}

	return EscapeHatchResult{ExitState: ExitStateExitTriggered}
}

func economicallyStale(in EscapeHatchInput) bool {
	velocity := in.Position.FeeVelocityPerHour()
	if velocity.LessThan(EscapeHatchMinFeeVelocity) {
		return true // infinite time-to-cost-target
	}
	remaining := in.CostTarget.Sub(in.FeesAccruedSoFar)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return false
	}
	hoursToTarget := remaining.Div(velocity)
	return hoursToTarget.GreaterThan(decimal.NewFromFloat(EscapeHatchEconomicStaleTimeout.Hours()))
}
