// Package feed defines the external-interface contracts the decision core
// consumes from and emits to its collaborators (pool discovery, execution,
// persistence). Spec §6: only the shape of these contracts belongs to the
// core — discovery, RPC, and tx-signing implementations are external.
package feed

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Regime is an observational market-regime signal. It never scales position
// size. It does take part in three decisions: the Opportunity Density
// Detector's spike gate admits only NEUTRAL or BULL, an adverse flip
// (BULL/NEUTRAL -> BEAR) ends a HOLD and makes the Exit Classifier return
// RISK, and the HOLD duration cap depends on the current regime.
type Regime string

const (
	RegimeBull    Regime = "BULL"
	RegimeNeutral Regime = "NEUTRAL"
	RegimeBear    Regime = "BEAR"
)

// PoolSnapshot is one discovery-stream observation of a pool's AMM state.
// Pools are read-only to the core (spec §3).
type PoolSnapshot struct {
	Address         common.Address
	Liquidity       decimal.Decimal
	Volume24h       decimal.Decimal
	SwapVelocity    decimal.Decimal
	BinVelocity     decimal.Decimal
	FeeIntensity    decimal.Decimal
	VolumeInRange   decimal.Decimal
	MigrationSlope  decimal.Decimal
	PriceVelocity   decimal.Decimal
	ActiveBin       int32
	FeeRatePPM      uint32
	BinStep         uint32
	Regime          Regime
	ObservedAt      time.Time
}

// TradeOutcome is reported by the execution collaborator when a position is
// closed.
type TradeOutcome struct {
	PositionID   string
	Pool         common.Address
	GrossPnL     decimal.Decimal
	NetPnL       decimal.Decimal
	EntryFees    decimal.Decimal
	ExitFees     decimal.Decimal
	EntrySlippage decimal.Decimal
	ExitSlippage decimal.Decimal
	ExpectedEV   decimal.Decimal
	ClosedAt     time.Time
}

// ReconciliationInput is the bootstrap payload the persistence collaborator
// hands to the Reconciliation Seal at startup (spec §4.1, §6).
type ReconciliationInput struct {
	RunID            string
	OpenPositionIDs  []string
	LockedCapital    decimal.Decimal
	AvailableCapital decimal.Decimal
	TotalEquity      decimal.Decimal
	RecoveredCount   int
}

// EntryDecision is emitted when the core approves opening a position.
type EntryDecision struct {
	Pool   common.Address
	Size   decimal.Decimal
	Stage  string
	Reason string
}

// RebalanceDecision is emitted when the Rebalance Controller accepts a
// recenter.
type RebalanceDecision struct {
	PositionID     string
	Trigger        string
	CostEstimate   decimal.Decimal
	ExpectedGain   decimal.Decimal
}

// ExitDecision is emitted when a position is to be closed.
type ExitDecision struct {
	PositionID     string
	Reason         string
	Classification string
	RiskType       string
}

// LifecycleEvent records one state transition of a position.
type LifecycleEvent struct {
	PositionID string
	Seq        uint64
	Prior      string
	Next       string
	Cause      string
	At         time.Time
}

// DefenseStatus reports the Fee-Bleed Defense's current posture.
type DefenseStatus struct {
	Active              bool
	EVGateMultiplier    decimal.Decimal
	CooldownMultiplier  decimal.Decimal
	SizeMultiplier      decimal.Decimal
	ExitThresholdFactor decimal.Decimal
	DeactivationReason  string
}
