package dlmm

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

func TestClassifyNegativeEVIsRisk(t *testing.T) {
	r := Classify(ClassifyInput{
		Reason:       ReasonLowMovement,
		ExpectedEV:   decimal.NewFromFloat(-0.01),
		EntryRegime:  feed.RegimeNeutral,
		CurrentRegime: feed.RegimeNeutral,
		EntryScore:   decimal.NewFromInt(50),
		CurrentScore: decimal.NewFromInt(48),
	})
	assert.Equal(t, ClassRisk, r.Classification)
	assert.False(t, r.CanSuppress)
}

func TestClassifyAdverseRegimeFlipIsRisk(t *testing.T) {
	r := Classify(ClassifyInput{
		Reason:        ReasonLowMovement,
		ExpectedEV:    decimal.NewFromInt(1),
		EntryRegime:   feed.RegimeBull,
		CurrentRegime: feed.RegimeBear,
		EntryScore:    decimal.NewFromInt(50),
		CurrentScore:  decimal.NewFromInt(48),
	})
	assert.Equal(t, ClassRisk, r.Classification)
	assert.Equal(t, "ADVERSE_REGIME_FLIP", r.RiskType)
}

func TestClassifyBenignRegimeFlipNotRiskByItself(t *testing.T) {
	r := Classify(ClassifyInput{
		Reason:        ReasonLowMovement,
		ExpectedEV:    decimal.NewFromInt(1),
		EntryRegime:   feed.RegimeBear,
		CurrentRegime: feed.RegimeBull,
		EntryScore:    decimal.NewFromInt(50),
		CurrentScore:  decimal.NewFromInt(48),
	})
	assert.Equal(t, ClassNoise, r.Classification)
}

func TestClassifyMigrationSlopeIsRisk(t *testing.T) {
	r := Classify(ClassifyInput{
		Reason:         ReasonLowMovement,
		ExpectedEV:     decimal.NewFromInt(1),
		EntryRegime:    feed.RegimeNeutral,
		CurrentRegime:  feed.RegimeNeutral,
		MigrationSlope: decimal.NewFromFloat(0.02),
		EntryScore:     decimal.NewFromInt(50),
		CurrentScore:   decimal.NewFromInt(48),
	})
	assert.Equal(t, ClassRisk, r.Classification)
	assert.Equal(t, "MIGRATION_SLOPE", r.RiskType)
}

func TestClassifyMajorScoreDecayIsRisk(t *testing.T) {
	r := Classify(ClassifyInput{
		Reason:        ReasonScoreDecayMajor,
		ExpectedEV:    decimal.NewFromInt(1),
		EntryRegime:   feed.RegimeNeutral,
		CurrentRegime: feed.RegimeNeutral,
		EntryScore:    decimal.NewFromInt(50),
		CurrentScore:  decimal.NewFromInt(20),
	})
	assert.Equal(t, ClassRisk, r.Classification)
}

func TestClassifyBelowAbsoluteFloorIsRisk(t *testing.T) {
	r := Classify(ClassifyInput{
		Reason:        ReasonLowMovement,
		ExpectedEV:    decimal.NewFromInt(1),
		EntryRegime:   feed.RegimeNeutral,
		CurrentRegime: feed.RegimeNeutral,
		EntryScore:    decimal.NewFromInt(20),
		CurrentScore:  decimal.NewFromInt(14),
	})
	assert.Equal(t, ClassRisk, r.Classification)
}

func TestClassifyNoiseReasonsAreSuppressible(t *testing.T) {
	for _, reason := range []ExitReasonCode{ReasonScoreDecayMinor, ReasonLowMovement, ReasonMinorVolatility} {
		r := Classify(ClassifyInput{
			Reason:        reason,
			ExpectedEV:    decimal.NewFromInt(1),
			EntryRegime:   feed.RegimeNeutral,
			CurrentRegime: feed.RegimeNeutral,
			EntryScore:    decimal.NewFromInt(50),
			CurrentScore:  decimal.NewFromInt(45),
		})
		assert.Equal(t, ClassNoise, r.Classification, "reason %s", reason)
		assert.True(t, r.CanSuppress)
	}
}

func TestClassifyUnknownReasonDefaultsToRisk(t *testing.T) {
	r := Classify(ClassifyInput{
		Reason:        ExitReasonCode("SOMETHING_NEW"),
		ExpectedEV:    decimal.NewFromInt(1),
		EntryRegime:   feed.RegimeNeutral,
		CurrentRegime: feed.RegimeNeutral,
		EntryScore:    decimal.NewFromInt(50),
		CurrentScore:  decimal.NewFromInt(48),
	})
	assert.Equal(t, ClassRisk, r.Classification)
	assert.Equal(t, "UNCLASSIFIED_REASON", r.RiskType)
}

func TestClassifyEmergencyKeywordIsRisk(t *testing.T) {
	r := Classify(ClassifyInput{
		Reason:        ExitReasonCode("EMERGENCY_KILL"),
		ExpectedEV:    decimal.NewFromInt(1),
		EntryRegime:   feed.RegimeNeutral,
		CurrentRegime: feed.RegimeNeutral,
		EntryScore:    decimal.NewFromInt(50),
		CurrentScore:  decimal.NewFromInt(48),
	})
	assert.Equal(t, ClassRisk, r.Classification)
}
