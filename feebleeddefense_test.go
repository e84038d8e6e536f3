package dlmm

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

func losingOutcome() feed.TradeOutcome {
	return feed.TradeOutcome{
		NetPnL:        decimal.NewFromFloat(-3),
		EntryFees:     decimal.NewFromFloat(1),
		ExitFees:      decimal.NewFromFloat(1),
		EntrySlippage: decimal.NewFromFloat(0.5),
		ExitSlippage:  decimal.NewFromFloat(0.5),
		ExpectedEV:    decimal.NewFromFloat(-0.1),
	}
}

func TestDefenseActivatesWhenAllConditionsMet(t *testing.T) {
	d := NewDefense()
	now := time.Now()
	for i := 0; i < 3; i++ {
		d.RecordOutcome(losingOutcome())
	}
	// Force cyclesWithoutWin past the floor by recording additional losing
	// evaluations without a positive-EV trade.
	for i := 0; i < 10; i++ {
		d.RecordOutcome(losingOutcome())
	}

	status := d.Evaluate(now)
	require.True(t, status.Active)
	assert.True(t, status.EVGateMultiplier.Equal(DefenseEVGateMultiplier))
	assert.True(t, status.SizeMultiplier.Equal(DefenseSizeMultiplier))
}

func TestDefenseDoesNotActivateOnInsufficientTrades(t *testing.T) {
	d := NewDefense()
	d.RecordOutcome(losingOutcome())
	status := d.Evaluate(time.Now())
	assert.False(t, status.Active)
}

func TestDefenseRecoversAfterThreeProfitableTrades(t *testing.T) {
	d := NewDefense()
	now := time.Now()
	for i := 0; i < 13; i++ {
		d.RecordOutcome(losingOutcome())
	}
	status := d.Evaluate(now)
	require.True(t, status.Active)

	profit := feed.TradeOutcome{NetPnL: decimal.NewFromInt(1), ExpectedEV: decimal.NewFromFloat(-0.1)}
	d.RecordOutcome(profit)
	d.RecordOutcome(profit)
	d.RecordOutcome(profit)

	status = d.Evaluate(now.Add(11 * time.Minute))
	assert.False(t, status.Active)
	assert.Equal(t, string(DeactivationRecovery), status.DeactivationReason)
}

func TestDefenseRecoversOnPositiveEVTrade(t *testing.T) {
	d := NewDefense()
	now := time.Now()
	for i := 0; i < 13; i++ {
		d.RecordOutcome(losingOutcome())
	}
	require.True(t, d.Evaluate(now).Active)

	d.RecordOutcome(feed.TradeOutcome{NetPnL: decimal.NewFromInt(-1), ExpectedEV: decimal.NewFromFloat(0.5)})
	status := d.Evaluate(now.Add(11 * time.Minute))
	assert.False(t, status.Active)
	assert.Equal(t, string(DeactivationPositiveEV), status.DeactivationReason)
}

func TestDefenseRecoversOnHardTimeout(t *testing.T) {
	d := NewDefense()
	now := time.Now()
	for i := 0; i < 13; i++ {
		d.RecordOutcome(losingOutcome())
	}
	require.True(t, d.Evaluate(now).Active)

	status := d.Evaluate(now.Add(61 * time.Minute))
	assert.False(t, status.Active)
	assert.Equal(t, string(DeactivationTimeout), status.DeactivationReason)
}

func TestDefenseDoesNotRecoverBeforeMinDwell(t *testing.T) {
	d := NewDefense()
	now := time.Now()
	for i := 0; i < 13; i++ {
		d.RecordOutcome(losingOutcome())
	}
	require.True(t, d.Evaluate(now).Active)

	status := d.Evaluate(now.Add(2 * time.Minute))
	assert.True(t, status.Active)
}
