// Package dlmm implements the decision core of an automated market-making
// controller for concentrated-liquidity ("binned") AMM pools: lifecycle
// management, exit classification, escape hatches, bleed defense, rebalance
// gating, capital ramp, and opportunity detection. On-chain execution,
// discovery, and persistence are external collaborators reached only
// through the contracts in pkg/feed and internal/store.
package dlmm

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/032383justin/dlmm-mm-engine/internal/rollingstat"
	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

// PositionState is one state of the Position Lifecycle State Machine
// (spec §4.2).
type PositionState string

const (
	StateActive             PositionState = "ACTIVE"
	StateHold               PositionState = "HOLD"
	StateExitTriggered      PositionState = "EXIT_TRIGGERED"
	StateForcedExitPending  PositionState = "FORCED_EXIT_PENDING"
	StateExiting            PositionState = "EXITING"
)

func (s PositionState) String() string { return string(s) }

// CapitalStage is a rung of the Capital Ramp (spec §4.9).
type CapitalStage string

const (
	StageProbe    CapitalStage = "PROBE"
	StageTranche2 CapitalStage = "TRANCHE_2"
	StageTranche3 CapitalStage = "TRANCHE_3"
	StageCap      CapitalStage = "CAP"
)

// Pool is the core's read-only view of a discovered pool. Populated and
// refreshed exclusively from feed.PoolSnapshot; the core never classifies
// or enriches a pool itself (spec §9 Design Notes).
type Pool struct {
	Address       common.Address
	Liquidity     decimal.Decimal
	Volume24h     decimal.Decimal
	ActiveBin     int32
	FeeRatePPM    uint32
	BinStep       uint32
	LastSnapshot  feed.PoolSnapshot
	LastUpdatedAt time.Time

	FeeIntensity  *rollingstat.Stat
	VolumeInRange *rollingstat.Stat
	BinStability  *rollingstat.Stat
	ChurnQuality  *rollingstat.Stat

	Bleed       BleedState
	Rebalance   RebalanceHistory
	Ramp        RampState
	Spike       *SpikeState
}

// NewPool constructs a Pool with the bounded rolling-stat buffers the spec
// requires (capacity 120, §3).
func NewPool(addr common.Address) *Pool {
	const capacity = 120
	return &Pool{
		Address:       addr,
		FeeIntensity:  rollingstat.New(capacity),
		VolumeInRange: rollingstat.New(capacity),
		BinStability:  rollingstat.New(capacity),
		ChurnQuality:  rollingstat.New(capacity),
	}
}

// BleedState tracks the Bleed Guard's consecutive-bad-window counter and
// pool-level cooldown (spec §3, §4.6).
type BleedState struct {
	ConsecutiveBadWindows int
	CooldownUntil         time.Time
}

// RebalanceHistory tracks per-pool rebalance counters for the frequency
// envelope (spec §4.8).
type RebalanceHistory struct {
	LastRebalanceAt time.Time
	CountToday      int
	DayStartedAt    time.Time
	FeeVelocityPeak decimal.Decimal
}

// RampState tracks a pool's progress through the Capital Ramp (spec §4.9).
type RampState struct {
	Stage             CapitalStage
	StageEnteredAt    time.Time
	ConsecutiveProofs int
	ConsecutiveFails  int
	BlacklistedUntil  time.Time
}

// SpikeState tracks an in-progress ODD spike confirmation (spec §4.10).
type SpikeState struct {
	Confirmed          bool
	ConsecutiveCycles  int
	PeakODS            decimal.Decimal
	ConfirmedAt        time.Time
	ExpiresAt          time.Time
}

// FeeSnapshot is one (timestamp, cumulative fees) sample used for the
// fee-velocity estimate (spec §3, bounded to 10 entries).
type FeeSnapshot struct {
	At   time.Time
	Fees decimal.Decimal
}

// SuppressionEvent is one recorded NOISE-exit suppression, used by the
// Escape Hatch's suppression-count cap (spec §3, §4.5).
type SuppressionEvent struct {
	At time.Time
}

// Position is a single open liquidity position under management.
type Position struct {
	ID       string
	Pool     common.Address
	EntrySize decimal.Decimal

	EntryAt           time.Time
	EntryFeeVelocity  decimal.Decimal
	EntryRegime       feed.Regime
	EntryScore        decimal.Decimal

	State           PositionState
	HoldEnteredAt   *time.Time
	ExitTriggeredAt *time.Time

	AccumulatedFees  decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RebalanceCount   int
	LastRebalanceAt  time.Time

	FeeSnapshots     []FeeSnapshot        // bounded to 10, oldest evicted
	SuppressionEvents []SuppressionEvent  // bounded to last 30 minutes

	LastSeq uint64
}

// MaxFeeSnapshots bounds Position.FeeSnapshots (spec §3).
const MaxFeeSnapshots = 10

// SuppressionWindow bounds how far back SuppressionEvents are retained
// (spec §3, §4.5).
const SuppressionWindow = 30 * time.Minute

// PushFeeSnapshot records a new cumulative-fees sample, evicting the oldest
// once MaxFeeSnapshots is exceeded.
func (p *Position) PushFeeSnapshot(at time.Time, fees decimal.Decimal) {
	p.FeeSnapshots = append(p.FeeSnapshots, FeeSnapshot{At: at, Fees: fees})
	if len(p.FeeSnapshots) > MaxFeeSnapshots {
		p.FeeSnapshots = p.FeeSnapshots[len(p.FeeSnapshots)-MaxFeeSnapshots:]
	}
}

// RecordSuppression appends a suppression event and evicts entries older
// than SuppressionWindow relative to now.
func (p *Position) RecordSuppression(now time.Time) {
	p.SuppressionEvents = append(p.SuppressionEvents, SuppressionEvent{At: now})
	p.pruneSuppressionEvents(now)
}

func (p *Position) pruneSuppressionEvents(now time.Time) {
	cutoff := now.Add(-SuppressionWindow)
	kept := p.SuppressionEvents[:0]
	for _, e := range p.SuppressionEvents {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	p.SuppressionEvents = kept
}

// SuppressionCount returns the number of suppression events within the
// rolling window as of now.
func (p *Position) SuppressionCount(now time.Time) int {
	p.pruneSuppressionEvents(now)
	return len(p.SuppressionEvents)
}

// FeeVelocityPerHour estimates $/hour fee accrual from the retained
// snapshots (linear regression over the oldest/newest pair, matching the
// bounded-sample approach described in spec §4.5/§4.6).
func (p *Position) FeeVelocityPerHour() decimal.Decimal {
	if len(p.FeeSnapshots) < 2 {
		return decimal.Zero
	}
	first := p.FeeSnapshots[0]
	last := p.FeeSnapshots[len(p.FeeSnapshots)-1]
	elapsed := last.At.Sub(first.At).Hours()
	if elapsed <= 0 {
		return decimal.Zero
	}
	delta := last.Fees.Sub(first.Fees)
	return delta.Div(decimal.NewFromFloat(elapsed))
}
