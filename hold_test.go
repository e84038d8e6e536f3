package dlmm

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

func baseHoldInput(now time.Time) HoldEvalInput {
	return HoldEvalInput{
		Position:               &Position{State: StateActive},
		PriceMovePerHour:       decimal.NewFromFloat(0.001),
		MigrationSlope:         decimal.NewFromFloat(0.0005),
		NormalizedFeeIntensity: decimal.NewFromFloat(0.05),
		ExpectedNetValue:       decimal.NewFromFloat(0.5),
		EntryRegime:            feed.RegimeNeutral,
		CurrentRegime:          feed.RegimeNeutral,
		CurrentScore:           decimal.NewFromInt(50),
		Now:                    now,
	}
}

func TestCanEnterHoldAllConditionsMet(t *testing.T) {
	res := EvaluateHold(baseHoldInput(time.Now()))
	assert.True(t, res.CanEnterHold)
	assert.Empty(t, res.HoldRejectReason)
}

func TestCanEnterHoldRejectsHighMovement(t *testing.T) {
	in := baseHoldInput(time.Now())
	in.PriceMovePerHour = decimal.NewFromFloat(0.01)
	res := EvaluateHold(in)
	assert.False(t, res.CanEnterHold)
}

func TestShouldExitHoldOnMigrationSpike(t *testing.T) {
	now := time.Now()
	entered := now.Add(-time.Minute)
	in := baseHoldInput(now)
	in.Position = &Position{State: StateHold, HoldEnteredAt: &entered}
	in.MigrationSlope = decimal.NewFromFloat(0.005) // > 2x 0.002
	res := EvaluateHold(in)
	assert.True(t, res.ShouldExitHold)
	assert.Equal(t, ReasonMigrationSpike, res.HoldExitReason)
}

func TestShouldExitHoldOnRegimeFlip(t *testing.T) {
	now := time.Now()
	entered := now.Add(-time.Minute)
	in := baseHoldInput(now)
	in.Position = &Position{State: StateHold, HoldEnteredAt: &entered}
	in.EntryRegime = feed.RegimeBull
	in.CurrentRegime = feed.RegimeBear
	res := EvaluateHold(in)
	assert.True(t, res.ShouldExitHold)
	assert.Equal(t, ReasonAdverseRegimeFlip, res.HoldExitReason)
}

func TestShouldExitHoldOnDurationCap(t *testing.T) {
	now := time.Now()
	entered := now.Add(-3 * time.Hour)
	in := baseHoldInput(now)
	in.Position = &Position{State: StateHold, HoldEnteredAt: &entered}
	in.CurrentRegime = feed.RegimeNeutral // cap 4h not yet exceeded
	res := EvaluateHold(in)
	assert.False(t, res.ShouldExitHold)

	in.EntryRegime = feed.RegimeBear // BEAR -> BEAR is not an adverse flip
	in.CurrentRegime = feed.RegimeBear // cap 2h, 3h elapsed -> exceeded
	res = EvaluateHold(in)
	assert.True(t, res.ShouldExitHold)
	assert.Equal(t, ExitReasonCode("HOLD_DURATION_CAP_EXCEEDED"), res.HoldExitReason)
}

func TestHoldSuppressesWhenNoExitCondition(t *testing.T) {
	now := time.Now()
	entered := now.Add(-time.Minute)
	in := baseHoldInput(now)
	in.Position = &Position{State: StateHold, HoldEnteredAt: &entered}
	res := EvaluateHold(in)
	assert.False(t, res.ShouldExitHold)
	assert.True(t, res.SuppressLowMovementExit)
	assert.True(t, res.SuppressScoreDecayExit)
}
