package dlmm

import (
	"time"

	"github.com/shopspring/decimal"
)

// MinHoldTier names the three MIN_HOLD variants of spec §4.6.
type MinHoldTier string

const (
	MinHoldTierA MinHoldTier = "A"
	MinHoldTierB MinHoldTier = "B"
	MinHoldTierC MinHoldTier = "C"
)

// MinHoldDuration maps each tier to its enforced minimum hold time. This
// spec standardizes on the MIN_HOLD-enforcing Bleed Guard variant (§9 Open
// Questions) — there is no non-enforcing code path.
var MinHoldDuration = map[MinHoldTier]time.Duration{
	MinHoldTierA: 20 * time.Minute,
	MinHoldTierB: 30 * time.Minute,
	MinHoldTierC: 10 * time.Minute,
}

// BleedLossRateMultiple is how far above the fee rate the loss rate must
// climb before it counts as a bad window (spec §4.6).
var BleedLossRateMultiple = decimal.NewFromFloat(1.5)

// BleedFeeVelocityDecayFloor is the fraction of entry fee velocity below
// which a window counts as bad (spec §4.6).
var BleedFeeVelocityDecayFloor = decimal.NewFromFloat(0.50)

// BleedRequiredConsecutiveWindows is how many consecutive bad windows are
// required before the Bleed Guard exits (spec §4.6).
const BleedRequiredConsecutiveWindows = 3

// BleedCooldown is the pool-level cooldown set after a bleed exit (spec §4.6).
var BleedCooldown = 6 * time.Hour

// BleedGuardInput is one evaluation window's inputs.
type BleedGuardInput struct {
	Tier              MinHoldTier
	EntryAt           time.Time
	UnrealizedPnL     decimal.Decimal
	LossRatePerHour   decimal.Decimal
	FeeRatePerHour    decimal.Decimal
	FeeVelocity       decimal.Decimal
	EntryFeeVelocity  decimal.Decimal
	BadWindowCount    int // caller's running counter, pre-this-evaluation
	Now               time.Time
}

// BleedGuardResult is the guard's verdict for this window.
type BleedGuardResult struct {
	ShouldExit       bool
	Reason           ExitReasonCode
	NewBadWindowCount int
	CooldownUntil    time.Time
}

// ExitReasonBleed is the reason code a Bleed Guard exit carries.
const ExitReasonBleed ExitReasonCode = "BLEED_EXIT"

// EvaluateBleedGuard implements spec §4.6 in the documented order.
func EvaluateBleedGuard(in BleedGuardInput) BleedGuardResult {
	minHold, ok := MinHoldDuration[in.Tier]
	if !ok {
		minHold = MinHoldDuration[MinHoldTierB]
	}

	if in.Now.Sub(in.EntryAt) < minHold {
		// Before MIN_HOLD, bleed exit is forbidden and any accumulated
		// bad-window counter resets (spec §4.6 condition 1).
		return BleedGuardResult{NewBadWindowCount: 0}
	}

	if !in.UnrealizedPnL.IsNegative() {
		return BleedGuardResult{NewBadWindowCount: 0}
	}

	lossExceedsFees := in.LossRatePerHour.GreaterThan(in.FeeRatePerHour.Mul(BleedLossRateMultiple))
	feeVelocityDecayed := feeVelocityDecayedBelowFloor(in.FeeVelocity, in.EntryFeeVelocity)

	if !lossExceedsFees && !feeVelocityDecayed {
		return BleedGuardResult{NewBadWindowCount: 0}
	}

	badWindows := in.BadWindowCount + 1
	if badWindows < BleedRequiredConsecutiveWindows {
		return BleedGuardResult{NewBadWindowCount: badWindows}
	}

	return BleedGuardResult{
		ShouldExit:        true,
		Reason:            ExitReasonBleed,
		NewBadWindowCount: 0,
		CooldownUntil:     in.Now.Add(BleedCooldown),
	}
}

func feeVelocityDecayedBelowFloor(current, entry decimal.Decimal) bool {
	if entry.IsZero() {
		return false
	}
	ratio := current.Div(entry)
	return ratio.LessThan(BleedFeeVelocityDecayFloor)
}
