package dlmm

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RebalanceTrigger enumerates the five event-driven triggers of spec §4.8.
type RebalanceTrigger string

const (
	TriggerDominanceFlip     RebalanceTrigger = "DOMINANCE_FLIP"
	TriggerVelocityCollapse  RebalanceTrigger = "VELOCITY_COLLAPSE"
	TriggerLiquidityCrowding RebalanceTrigger = "LIQUIDITY_CROWDING"
	TriggerRevisitSpike      RebalanceTrigger = "REVISIT_SPIKE"
	TriggerProfitLock        RebalanceTrigger = "PROFIT_LOCK"
)

// Trigger thresholds (spec §4.8).
var (
	DominanceFlipMultiple    = decimal.NewFromFloat(1.3)
	VelocityCollapseFraction = decimal.NewFromFloat(0.40)
	LiquidityCrowdingGrowth  = decimal.NewFromFloat(0.20)
	RevisitSpikeGrowth       = decimal.NewFromFloat(0.30)
	ProfitLockMultiple       = decimal.NewFromFloat(1.25)
)

// CostGateMultiple is the minimum ratio of estimated 5-min fee gain to tx
// cost required to pass the cost gate (spec §4.8).
var CostGateMultiple = decimal.NewFromFloat(1.25)

// FlowState classifies a pool's rebalance cadence tier (spec §4.8).
type FlowState string

const (
	FlowHigh      FlowState = "HIGH"
	FlowNormal    FlowState = "NORMAL"
	FlowLow       FlowState = "LOW"
	FlowBootstrap FlowState = "BOOTSTRAP"
)

// FlowStateEnvelope describes one tier's min inter-rebalance spacing and
// daily cap (spec §4.8).
type FlowStateEnvelope struct {
	MinSpacing time.Duration
	MaxSpacing time.Duration
	DailyCap   int
	Disabled   bool
}

var flowEnvelopes = map[FlowState]FlowStateEnvelope{
	FlowHigh:      {MinSpacing: 2 * time.Minute, MaxSpacing: 3 * time.Minute, DailyCap: 480},
	FlowNormal:    {MinSpacing: 5 * time.Minute, MaxSpacing: 8 * time.Minute, DailyCap: 180},
	FlowLow:       {Disabled: true},
	FlowBootstrap: {MinSpacing: 10 * time.Minute, MaxSpacing: 15 * time.Minute, DailyCap: 50},
}

// ClassifyFlowState maps a fee-velocity reading to a FlowState (spec §4.8).
func ClassifyFlowState(feeVelocityPerSecond decimal.Decimal, bootstrap bool) FlowState {
	if bootstrap {
		return FlowBootstrap
	}
	switch {
	case feeVelocityPerSecond.GreaterThanOrEqual(decimal.NewFromFloat(0.001)):
		return FlowHigh
	case feeVelocityPerSecond.GreaterThanOrEqual(decimal.NewFromFloat(0.0001)):
		return FlowNormal
	default:
		return FlowLow
	}
}

// RejectReason enumerates why a rebalance candidate was blocked.
type RejectReason string

const (
	RejectNone              RejectReason = ""
	RejectCostGate          RejectReason = "COST_GATE"
	RejectFrequencyEnvelope RejectReason = "FREQUENCY_ENVELOPE"
	RejectFlowDisabled      RejectReason = "FLOW_DISABLED"
)

// emergencyTriggers bypass the cost gate (spec §4.8).
var emergencyTriggers = map[RebalanceTrigger]bool{
	TriggerDominanceFlip:    true,
	TriggerVelocityCollapse: true,
}

// RebalanceCandidate is one evaluation's input.
type RebalanceCandidate struct {
	Pool                *Pool
	Trigger             RebalanceTrigger
	EstimatedFeeGain5Min decimal.Decimal
	TxCost              decimal.Decimal
	FlowState           FlowState
	Now                 time.Time
}

// RebalanceVerdict is the controller's decision.
type RebalanceVerdict struct {
	Accepted bool
	Reject   RejectReason
}

// Controller tracks per-flow-state rate limiters implementing the
// frequency envelope as a token-bucket backpressure mechanism (spec §5).
type Controller struct {
	limiters map[FlowState]*rate.Limiter
}

// NewController builds a Controller with one limiter per non-disabled flow
// state, refilling once per envelope minimum spacing with a burst of 1. The
// daily cap is not part of the limiter; Evaluate checks it separately.
func NewController() *Controller {
	c := &Controller{limiters: map[FlowState]*rate.Limiter{}}
	for state, env := range flowEnvelopes {
		if env.Disabled {
			continue
		}
		every := rate.Every(env.MinSpacing)
		c.limiters[state] = rate.NewLimiter(every, 1)
	}
	return c
}

// Evaluate implements spec §4.8: cost gate (bypassed for emergency
// triggers) plus the frequency envelope for the pool's current flow state.
func (c *Controller) Evaluate(cand RebalanceCandidate) RebalanceVerdict {
	env, ok := flowEnvelopes[cand.FlowState]
	if !ok || env.Disabled {
		return RebalanceVerdict{Reject: RejectFlowDisabled}
	}

	if !emergencyTriggers[cand.Trigger] {
		required := cand.TxCost.Mul(CostGateMultiple)
		if cand.EstimatedFeeGain5Min.LessThan(required) {
			return RebalanceVerdict{Reject: RejectCostGate}
		}
	}

	if !c.spacingOK(cand) {
		return RebalanceVerdict{Reject: RejectFrequencyEnvelope}
	}

	if cand.Pool.Rebalance.CountToday >= env.DailyCap {
		return RebalanceVerdict{Reject: RejectFrequencyEnvelope}
	}

	// System-wide backpressure: even if this pool's own spacing allows it,
	// the flow-state tier as a whole must not exceed its token-bucket rate
	// across every pool sharing that tier (spec §5 backpressure).
	if limiter, ok := c.limiters[cand.FlowState]; ok && !limiter.AllowN(cand.Now, 1) {
		return RebalanceVerdict{Reject: RejectFrequencyEnvelope}
	}

	cand.Pool.Rebalance.LastRebalanceAt = cand.Now
	cand.Pool.Rebalance.CountToday++
	return RebalanceVerdict{Accepted: true}
}

func (c *Controller) spacingOK(cand RebalanceCandidate) bool {
	env := flowEnvelopes[cand.FlowState]
	if cand.Pool.Rebalance.LastRebalanceAt.IsZero() {
		return true
	}
	return cand.Now.Sub(cand.Pool.Rebalance.LastRebalanceAt) >= env.MinSpacing
}
