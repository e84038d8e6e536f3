// Defense implements the portfolio-level Fee-Bleed Defense throttle of
// spec §4.7. Its portfolio-level check is adapted from the teacher pack's
// YoForex005-Trading-Engine LiquidationEngine, generalized from a per-account
// margin check to a rolling-window trade-outcome check. It runs no ticker or
// callback of its own: Engine.RunCycle calls Evaluate once per cycle and
// reads the posture from the returned status.
package dlmm

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

// DefenseWindowSize is the number of most recent recorded trade outcomes the
// defense evaluates over (spec §4.7). The window counts trades, not engine
// cycles: cycles in which no trade closes do not age it. Likewise the
// without-a-win streak compared against DefenseMinCyclesWithoutWin counts
// recorded trades, not cycles.
const DefenseWindowSize = 20

// Activation thresholds (spec §4.7).
var (
	DefenseMinTradeCount        = 3
	DefenseMaxNetPnL            = decimal.NewFromFloat(-5)
	DefenseMinCostToLossRatio   = decimal.NewFromFloat(0.70)
	DefenseMinCyclesWithoutWin  = 10
)

// Recovery thresholds (spec §4.7).
var (
	DefenseMinDwell                  = 10 * time.Minute
	DefenseConsecutiveProfitableWins  = 3
	DefenseHardTimeout                = 60 * time.Minute
)

// Multipliers applied while the defense is active (spec §4.7).
var (
	DefenseEVGateMultiplier    = decimal.NewFromFloat(1.5)
	DefenseCooldownMultiplier  = decimal.NewFromFloat(2.0)
	DefenseSizeMultiplier      = decimal.NewFromFloat(0.60)
	DefenseExitThresholdFactor = decimal.NewFromFloat(1.25)
)

// DeactivationReason enumerates why the defense recovered.
type DeactivationReason string

const (
	DeactivationNone       DeactivationReason = ""
	DeactivationRecovery   DeactivationReason = "RECOVERY"
	DeactivationPositiveEV DeactivationReason = "POSITIVE_EV_TRADE"
	DeactivationTimeout    DeactivationReason = "TIMEOUT"
)

// Defense tracks portfolio-wide trade outcomes and derives an active/
// inactive posture plus its downstream multipliers.
type Defense struct {
	outcomes          []feed.TradeOutcome
	cyclesWithoutWin  int
	active            bool
	activatedAt        time.Time
	consecutiveProfits int
}

// NewDefense returns an inactive Defense.
func NewDefense() *Defense {
	return &Defense{}
}

// RecordOutcome appends a closed trade's outcome, evicting beyond
// DefenseWindowSize, and updates the without-a-win streak.
func (d *Defense) RecordOutcome(o feed.TradeOutcome) {
	d.outcomes = append(d.outcomes, o)
	if len(d.outcomes) > DefenseWindowSize {
		d.outcomes = d.outcomes[len(d.outcomes)-DefenseWindowSize:]
	}
	if o.ExpectedEV.IsPositive() {
		d.cyclesWithoutWin = 0
	} else {
		d.cyclesWithoutWin++
	}

	if d.active {
		if o.NetPnL.IsPositive() {
			d.consecutiveProfits++
		} else {
			d.consecutiveProfits = 0
		}
	}
}

// Evaluate recomputes activation/recovery for the current cycle and
// returns the resulting status.
func (d *Defense) Evaluate(now time.Time) feed.DefenseStatus {
	if d.active {
		if reason := d.checkRecovery(now); reason != DeactivationNone {
			log.Info().Str("reason", string(reason)).Msg("fee-bleed defense deactivated")
			d.active = false
			d.consecutiveProfits = 0
			d.cyclesWithoutWin = 0
			return feed.DefenseStatus{Active: false, DeactivationReason: string(reason)}
		}
		return d.activeStatus()
	}

	if d.checkActivation() {
		log.Warn().Msg("fee-bleed defense activated")
		d.active = true
		d.activatedAt = now
		d.consecutiveProfits = 0
		return d.activeStatus()
	}

	return feed.DefenseStatus{Active: false}
}

func (d *Defense) checkActivation() bool {
	if len(d.outcomes) < DefenseMinTradeCount {
		return false
	}
	var netPnL, costs decimal.Decimal
	for _, o := range d.outcomes {
		netPnL = netPnL.Add(o.NetPnL)
		costs = costs.Add(o.EntryFees).Add(o.ExitFees).Add(o.EntrySlippage).Add(o.ExitSlippage)
	}
	if netPnL.GreaterThanOrEqual(DefenseMaxNetPnL) {
		return false
	}
	absLoss := netPnL.Abs()
	if absLoss.IsZero() {
		return false
	}
	if costs.Div(absLoss).LessThan(DefenseMinCostToLossRatio) {
		return false
	}
	if d.cyclesWithoutWin < DefenseMinCyclesWithoutWin {
		return false
	}
	return true
}

func (d *Defense) checkRecovery(now time.Time) DeactivationReason {
	if now.Sub(d.activatedAt) < DefenseMinDwell {
		return DeactivationNone
	}
	if d.consecutiveProfits >= DefenseConsecutiveProfitableWins {
		return DeactivationRecovery
	}
	if len(d.outcomes) > 0 {
		last := d.outcomes[len(d.outcomes)-1]
		if last.ExpectedEV.IsPositive() {
			return DeactivationPositiveEV
		}
	}
	if now.Sub(d.activatedAt) >= DefenseHardTimeout {
		return DeactivationTimeout
	}
	return DeactivationNone
}

func (d *Defense) activeStatus() feed.DefenseStatus {
	return feed.DefenseStatus{
		Active:              true,
		EVGateMultiplier:    DefenseEVGateMultiplier,
		CooldownMultiplier:  DefenseCooldownMultiplier,
		SizeMultiplier:      DefenseSizeMultiplier,
		ExitThresholdFactor: DefenseExitThresholdFactor,
	}
}

// Active reports the defense's current posture without re-evaluating.
func (d *Defense) Active() bool { return d.active }
