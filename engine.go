// Engine is the composition root wiring together the reconciliation seal,
// the scheduler, and every market-making component into one evaluation
// cycle. It generalizes the teacher's Blackhole struct (the single object
// the old cmd/main.go drove in a loop) to the multi-pool, multi-component
// shape of this spec.
package dlmm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/032383justin/dlmm-mm-engine/internal/clock"
	"github.com/032383justin/dlmm-mm-engine/internal/metrics"
	"github.com/032383justin/dlmm-mm-engine/internal/store"
	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
	"github.com/032383justin/dlmm-mm-engine/pkg/ids"
)

// FeedSource supplies one cycle's pool snapshots. An external data source
// (RPC indexer, subgraph client) implements this; the engine is agnostic to
// how snapshots are sourced.
type FeedSource interface {
	PoolSnapshots(ctx context.Context) ([]feed.PoolSnapshot, error)
}

// runtime_state keys for the bootstrap persistence contract (spec §6).
const (
	runtimeKeyBootstrapActive          = "bootstrap_active"
	runtimeKeyBootstrapStartedAt       = "bootstrap_started_at"
	runtimeKeyBootstrapEndsAt          = "bootstrap_ends_at"
	runtimeKeyBootstrapCyclesRemaining = "bootstrap_cycles_remaining"
	runtimeKeyBootstrapLastEntryAt     = "bootstrap_last_entry_at"
)

// Bootstrap window sizing once a START is triggered (spec §6: "START for
// 6h / 12 cycles").
const (
	BootstrapWindowDuration = 6 * time.Hour
	BootstrapCycleBudget    = 12
)

// BootstrapWarmSnapshotTotal and BootstrapWarmPoolCount/BootstrapWarmPoolSnapshots
// implement the §6 SKIP condition: "durable snapshots in the last 6h exceed
// 50 OR >= 3 pools have >= 15 snapshots".
const (
	BootstrapWarmSnapshotTotal   = 50
	BootstrapWarmPoolCount       = 3
	BootstrapWarmPoolSnapshots   = 15
)

// ExpectedEVCostFloor approximates the per-cycle cost threshold subtracted
// from a pool's fee intensity to derive an expected-net-value proxy.
// feed.PoolSnapshot carries no direct cost/EV signal — pricing a trade's
// true expected value is an external collaborator's concern (spec §1/§10)
// — so the decision core uses fee intensity net of this floor as the
// ExpectedEV/ExpectedNetValue input of the entry path, the Hold evaluator and
// the Exit Classifier. Two places do not use it: poolODS passes a fixed
// ExpectedEV of 1, and a closed trade's TradeOutcome carries the position's
// UnrealizedPnL as its ExpectedEV.
var ExpectedEVCostFloor = decimal.NewFromFloat(0.01)

func expectedEV(snap feed.PoolSnapshot) decimal.Decimal {
	return snap.FeeIntensity.Sub(ExpectedEVCostFloor)
}

// RebalanceTxCostProxy approximates the on-chain cost of a recenter, since
// gas estimation is the execution collaborator's concern, not the core's.
var RebalanceTxCostProxy = decimal.NewFromFloat(0.50)

// scoreFromODS maps an ODS composite to the 0-100 "score" scale the Hold
// evaluator and Exit Classifier compare against (spec §4.3/§4.4 score
// floors), centered at 50 with no opportunity signal either way.
func scoreFromODS(ods decimal.Decimal) decimal.Decimal {
	score := decimal.NewFromInt(50).Add(ods.Mul(decimal.NewFromInt(10)))
	if score.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if score.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.NewFromInt(100)
	}
	return score
}

// CycleResult is everything one RunCycle produced, for the cycle's caller
// (cmd/engine/main.go, tests) to inspect or hand to an execution
// collaborator. Spec §6 names these four output types.
type CycleResult struct {
	Entries    []feed.EntryDecision
	Rebalances []feed.RebalanceDecision
	Exits      []feed.ExitDecision
	Events     []feed.LifecycleEvent
}

// Engine owns the seal, every pool's rolling state, open positions, and the
// portfolio-level defense, and runs one evaluation cycle per scheduler tick.
type Engine struct {
	clock   clock.Clock
	feed    FeedSource
	store   *store.Store
	metrics *metrics.Registry
	devMode bool

	seal      *Seal
	defense   *Defense
	rebalance *Controller

	pools     map[common.Address]*Pool
	positions map[string]*Position

	totalEquity decimal.Decimal

	bootstrapActive          bool
	bootstrapEndsAt          time.Time
	bootstrapCyclesRemaining int

	lastResult CycleResult
}

// NewEngine constructs an Engine with empty pool/position state; Bootstrap
// must run once before the first cycle. devMode enables runtime invariant
// assertions the spec gates behind DEV_MODE=true (§6/§7), such as "never
// suppress a NOISE exit while expected EV is negative".
func NewEngine(clk clock.Clock, source FeedSource, st *store.Store, reg *metrics.Registry, devMode bool) *Engine {
	return &Engine{
		clock:     clk,
		feed:      source,
		store:     st,
		metrics:   reg,
		devMode:   devMode,
		defense:   NewDefense(),
		rebalance: NewController(),
		pools:     make(map[common.Address]*Pool),
		positions: make(map[string]*Position),
	}
}

// LastCycleResult returns the decisions and events produced by the most
// recently completed RunCycle.
func (e *Engine) LastCycleResult() CycleResult { return e.lastResult }

// Bootstrap builds the reconciliation seal from persisted state, hydrating
// open positions and rebuilding each pool's rolling-stat windows from the
// last SnapshotRetention of history (spec §4.1/§6), then resolves the
// bootstrap persistence contract's RESUME/SKIP/START decision.
func (e *Engine) Bootstrap(ctx context.Context, runID string, totalEquity decimal.Decimal) error {
	if e.seal != nil {
		return e.seal.RebuildAttempt()
	}

	records, err := e.store.OpenPositions()
	if err != nil {
		return fmt.Errorf("bootstrap: load open positions: %w", err)
	}

	now := e.clock.Now()
	hydrated := make([]*Position, 0, len(records))
	openIDs := make([]string, 0, len(records))
	lockedCapital := decimal.Zero
	for _, rec := range records {
		pos, perr := hydratePosition(rec)
		if perr != nil {
			return fmt.Errorf("bootstrap: hydrate position %s: %w", rec.ID, perr)
		}
		hydrated = append(hydrated, pos)
		openIDs = append(openIDs, pos.ID)
		e.positions[pos.ID] = pos
		lockedCapital = lockedCapital.Add(pos.EntrySize)

		addr := pos.Pool
		if _, ok := e.pools[addr]; !ok {
			pool, perr := e.hydratePool(addr, now)
			if perr != nil {
				return fmt.Errorf("bootstrap: hydrate pool %s: %w", addr.Hex(), perr)
			}
			e.pools[addr] = pool
		}
	}

	input := feed.ReconciliationInput{
		RunID:            runID,
		OpenPositionIDs:  openIDs,
		LockedCapital:    lockedCapital,
		AvailableCapital: totalEquity.Sub(lockedCapital),
		TotalEquity:      totalEquity,
	}

	seal, cerr := Build(input, hydrated, now)
	if cerr != nil {
		return cerr
	}
	e.seal = seal
	e.totalEquity = totalEquity

	if err := e.resolveBootstrapState(now); err != nil {
		return fmt.Errorf("bootstrap: resolve bootstrap state: %w", err)
	}
	return nil
}

// resolveBootstrapState implements spec §6's RESUME/SKIP/START decision.
func (e *Engine) resolveBootstrapState(now time.Time) error {
	activeStr, err := e.store.GetRuntimeState(runtimeKeyBootstrapActive)
	if err != nil {
		return err
	}

	if activeStr == "true" {
		endsAtStr, err := e.store.GetRuntimeState(runtimeKeyBootstrapEndsAt)
		if err != nil {
			return err
		}
		if endsAt, perr := time.Parse(time.RFC3339, endsAtStr); perr == nil && now.Before(endsAt) {
			remainingStr, err := e.store.GetRuntimeState(runtimeKeyBootstrapCyclesRemaining)
			if err != nil {
				return err
			}
			remaining, _ := strconv.Atoi(remainingStr)
			e.bootstrapActive = true
			e.bootstrapEndsAt = endsAt
			e.bootstrapCyclesRemaining = remaining
			log.Info().Time("ends_at", endsAt).Int("cycles_remaining", remaining).Msg("bootstrap: resuming persisted window")
			return nil
		}
	}

	warm, err := e.isWarmedUp(now)
	if err != nil {
		return err
	}
	if warm {
		log.Info().Msg("bootstrap: durable snapshot history already warm, skipping bootstrap window")
		e.bootstrapActive = false
		return e.store.SetRuntimeState(runtimeKeyBootstrapActive, "false")
	}

	// OFF until a first entry triggers START (handled lazily in RunCycle).
	e.bootstrapActive = false
	return nil
}

// isWarmedUp implements spec §6's SKIP condition.
func (e *Engine) isWarmedUp(now time.Time) (bool, error) {
	total, perPool, err := e.store.SnapshotCounts(now)
	if err != nil {
		return false, err
	}
	if total > BootstrapWarmSnapshotTotal {
		return true, nil
	}
	warmPools := 0
	for _, count := range perPool {
		if count >= BootstrapWarmPoolSnapshots {
			warmPools++
		}
	}
	return warmPools >= BootstrapWarmPoolCount, nil
}

// startBootstrapWindow implements the "OFF until a first entry triggers
// START for 6h / 12 cycles" branch of spec §6.
func (e *Engine) startBootstrapWindow(now time.Time) {
	e.bootstrapActive = true
	e.bootstrapEndsAt = now.Add(BootstrapWindowDuration)
	e.bootstrapCyclesRemaining = BootstrapCycleBudget
	log.Info().Time("ends_at", e.bootstrapEndsAt).Msg("bootstrap: starting window on first entry")

	if e.store == nil {
		return
	}
	if err := e.store.SetRuntimeState(runtimeKeyBootstrapStartedAt, now.Format(time.RFC3339)); err != nil {
		log.Error().Err(err).Msg("bootstrap: failed to persist started_at")
	}
	e.persistBootstrapWindow(now)
}

// persistBootstrapWindow writes the bootstrap_active/ends_at/cycles_remaining
// triple to runtime_state, logging rather than failing the cycle on a
// persistence error since the in-memory decision already took effect.
func (e *Engine) persistBootstrapWindow(now time.Time) {
	if e.store == nil {
		return
	}
	if err := e.store.SetRuntimeState(runtimeKeyBootstrapActive, strconv.FormatBool(e.bootstrapActive)); err != nil {
		log.Error().Err(err).Msg("bootstrap: failed to persist bootstrap_active")
	}
	if !e.bootstrapActive {
		return
	}
	if err := e.store.SetRuntimeState(runtimeKeyBootstrapEndsAt, e.bootstrapEndsAt.Format(time.RFC3339)); err != nil {
		log.Error().Err(err).Msg("bootstrap: failed to persist bootstrap_ends_at")
	}
	if err := e.store.SetRuntimeState(runtimeKeyBootstrapCyclesRemaining, strconv.Itoa(e.bootstrapCyclesRemaining)); err != nil {
		log.Error().Err(err).Msg("bootstrap: failed to persist bootstrap_cycles_remaining")
	}
}

// recordBootstrapEntry persists bootstrap_last_entry_at and, if no window
// was active yet, starts one (spec §6 START trigger).
func (e *Engine) recordBootstrapEntry(now time.Time) {
	if !e.bootstrapActive {
		e.startBootstrapWindow(now)
	}
	if e.store == nil {
		return
	}
	if err := e.store.SetRuntimeState(runtimeKeyBootstrapLastEntryAt, now.Format(time.RFC3339)); err != nil {
		log.Error().Err(err).Msg("bootstrap: failed to persist bootstrap_last_entry_at")
	}
}

// advanceBootstrapWindow decays the remaining-cycles budget and TTL once per
// cycle, ending the window when either is exhausted.
func (e *Engine) advanceBootstrapWindow(now time.Time) {
	if !e.bootstrapActive {
		return
	}
	e.bootstrapCyclesRemaining--
	if e.bootstrapCyclesRemaining <= 0 || !now.Before(e.bootstrapEndsAt) {
		log.Info().Msg("bootstrap: window elapsed")
		e.bootstrapActive = false
	}
	e.persistBootstrapWindow(now)
}

func hydratePosition(rec store.PositionRecord) (*Position, error) {
	entrySize, err := decimal.NewFromString(rec.EntrySize)
	if err != nil {
		return nil, err
	}
	feeVelocity, err := decimal.NewFromString(rec.EntryFeeVelocity)
	if err != nil {
		return nil, err
	}
	entryScore, err := decimal.NewFromString(rec.EntryScore)
	if err != nil {
		return nil, err
	}
	accumulatedFees, err := decimal.NewFromString(rec.AccumulatedFees)
	if err != nil {
		return nil, err
	}
	unrealizedPnL, err := decimal.NewFromString(rec.UnrealizedPnL)
	if err != nil {
		return nil, err
	}

	return &Position{
		ID:               rec.ID,
		EntrySize:        entrySize,
		EntryAt:          rec.EntryAt,
		EntryFeeVelocity: feeVelocity,
		EntryRegime:      feed.Regime(rec.EntryRegime),
		EntryScore:       entryScore,
		State:            PositionState(rec.State),
		AccumulatedFees:  accumulatedFees,
		UnrealizedPnL:    unrealizedPnL,
		RebalanceCount:   rec.RebalanceCount,
		Pool:             common.HexToAddress(rec.PoolAddress),
	}, nil
}

// hydratePool rebuilds a pool's rolling-stat windows from persisted
// snapshots within the retention window (spec §6).
func (e *Engine) hydratePool(addr common.Address, now time.Time) (*Pool, error) {
	pool := NewPool(addr)
	records, err := e.store.RecentSnapshots(addr.Hex(), now)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		fee, _ := decimal.NewFromString(rec.FeeIntensity)
		vol, _ := decimal.NewFromString(rec.VolumeInRange)
		stab, _ := decimal.NewFromString(rec.BinStability)
		churn, _ := decimal.NewFromString(rec.ChurnQuality)
		ff, _ := fee.Float64()
		vf, _ := vol.Float64()
		sf, _ := stab.Float64()
		cf, _ := churn.Float64()
		pool.FeeIntensity.Push(ff, rec.ObservedAt)
		pool.VolumeInRange.Push(vf, rec.ObservedAt)
		pool.BinStability.Push(sf, rec.ObservedAt)
		pool.ChurnQuality.Push(cf, rec.ObservedAt)
		pool.LastUpdatedAt = rec.ObservedAt
	}
	return pool, nil
}

func toPositionRecord(p *Position) store.PositionRecord {
	return store.PositionRecord{
		ID:               p.ID,
		PoolAddress:      p.Pool.Hex(),
		EntrySize:        p.EntrySize.String(),
		EntryAt:          p.EntryAt,
		EntryFeeVelocity: p.EntryFeeVelocity.String(),
		EntryRegime:      string(p.EntryRegime),
		EntryScore:       p.EntryScore.String(),
		State:            string(p.State),
		AccumulatedFees:  p.AccumulatedFees.String(),
		UnrealizedPnL:    p.UnrealizedPnL.String(),
		RebalanceCount:   p.RebalanceCount,
	}
}

func (e *Engine) persistPosition(p *Position, now time.Time, closed bool) {
	if e.store == nil {
		return
	}
	rec := toPositionRecord(p)
	if closed {
		rec.ClosedAt = &now
	} else {
		rec.ClosedAt = nil
	}
	if err := e.store.UpsertPosition(rec); err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist position")
	}
}

// RunCycle executes one evaluation cycle per spec §2's data flow: pull
// snapshots, refresh rolling stats, evaluate the Detector/Classifier/Capital
// Ramp for entry candidates under the reserve gate, then drive every open
// position's Rebalance Controller / Bleed Guard / Exit Classifier / Escape
// Hatch / Fee-Bleed Defense verdicts through the Lifecycle state machine. It
// is the CycleFunc passed to the Scheduler.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) error {
	if e.seal == nil {
		return NewCoreError(KindInvariantViolation, "RunCycle", fmt.Errorf("engine not bootstrapped"))
	}
	if cerr := e.seal.AssertModeUnchanged(ModeStateful); cerr != nil {
		return cerr
	}

	snapshots, err := e.feed.PoolSnapshots(ctx)
	if err != nil {
		return NewCoreError(KindTransientRPC, "RunCycle.PoolSnapshots", err)
	}

	result := CycleResult{}
	snapByAddr := make(map[common.Address]feed.PoolSnapshot, len(snapshots))

	defenseStatus := e.defense.Evaluate(now)

	for _, snap := range snapshots {
		snapByAddr[snap.Address] = snap

		pool, ok := e.pools[snap.Address]
		if !ok {
			pool = NewPool(snap.Address)
			e.pools[snap.Address] = pool
		}

		binStability := DeriveBinStability(snap.MigrationSlope, snap.BinVelocity)
		churnQuality := DeriveChurnQuality(snap.SwapVelocity, snap.PriceVelocity)

		ff, _ := snap.FeeIntensity.Float64()
		vf, _ := snap.VolumeInRange.Float64()
		bf, _ := binStability.Float64()
		cf, _ := churnQuality.Float64()
		pool.FeeIntensity.Push(ff, now)
		pool.VolumeInRange.Push(vf, now)
		pool.BinStability.Push(bf, now)
		pool.ChurnQuality.Push(cf, now)
		pool.LastUpdatedAt = now
		pool.LastSnapshot = snap
		pool.Liquidity = snap.Liquidity
		pool.Volume24h = snap.Volume24h
		pool.ActiveBin = snap.ActiveBin
		pool.FeeRatePPM = snap.FeeRatePPM
		pool.BinStep = snap.BinStep

		if e.store != nil {
			_ = e.store.RecordPoolSnapshot(store.PoolSnapshotRecord{
				PoolAddress:   snap.Address.Hex(),
				ObservedAt:    now,
				FeeIntensity:  snap.FeeIntensity.String(),
				VolumeInRange: snap.VolumeInRange.String(),
				BinStability:  binStability.String(),
				ChurnQuality:  churnQuality.String(),
			})
		}
	}

	deployedCapital := decimal.Zero
	for _, p := range e.positions {
		deployedCapital = deployedCapital.Add(p.EntrySize)
	}

	for _, snap := range snapshots {
		e.evaluateEntryCandidate(snap, defenseStatus, now, &result, &deployedCapital)
	}

	positionIDs := make([]string, 0, len(e.positions))
	for id := range e.positions {
		positionIDs = append(positionIDs, id)
	}
	for _, id := range positionIDs {
		p, ok := e.positions[id]
		if !ok {
			continue
		}
		snap, hasSnap := snapByAddr[p.Pool]
		e.evaluatePosition(p, hasSnap, snap, now, &result)
	}

	e.advanceBootstrapWindow(now)

	e.lastResult = result

	if e.metrics != nil {
		e.metrics.CyclesTotal.Inc()
		e.metrics.OpenPositions.Set(float64(len(e.positions)))
		e.metrics.DeployedCapital.Set(mustFloat(deployedCapital))
		e.metrics.ReserveCapital.Set(mustFloat(e.totalEquity.Sub(deployedCapital)))
		e.metrics.DefenseActive.Set(boolToFloat(e.defense.Active()))
		for _, r := range result.Rebalances {
			e.metrics.RebalancesTotal.WithLabelValues(r.Trigger).Inc()
		}
		for _, x := range result.Exits {
			e.metrics.ExitsTotal.WithLabelValues(x.Classification).Inc()
		}
		for addr := range snapByAddr {
			pool := e.pools[addr]
			odd := Evaluate(ODDInput{Pool: pool, Snapshot: snapByAddr[addr], Bootstrap: e.bootstrapActive, DefenseActive: defenseStatus.Active, PortfolioHealthy: !defenseStatus.Active, ExpectedEV: expectedEV(snapByAddr[addr]), Now: now})
			e.metrics.ODSGauge.WithLabelValues(addr.Hex()).Set(mustFloat(odd.ODS))
		}
	}

	return nil
}

// evaluateEntryCandidate runs the Detector (ODD) and, on a confirmed spike,
// the Capital Ramp's sizing/reserve gate for one pool with no open position.
func (e *Engine) evaluateEntryCandidate(snap feed.PoolSnapshot, defenseStatus feed.DefenseStatus, now time.Time, result *CycleResult, deployedCapital *decimal.Decimal) {
	if e.hasOpenPosition(snap.Address) {
		return
	}

	pool := e.pools[snap.Address]
	if pool == nil {
		return
	}

	if !pool.Bleed.CooldownUntil.IsZero() && now.Before(pool.Bleed.CooldownUntil) {
		return
	}
	if !pool.Ramp.BlacklistedUntil.IsZero() && now.Before(pool.Ramp.BlacklistedUntil) {
		return
	}

	ev := expectedEV(snap)
	odd := Evaluate(ODDInput{
		Pool:             pool,
		Snapshot:         snap,
		Bootstrap:        e.bootstrapActive,
		DefenseActive:    defenseStatus.Active,
		PortfolioHealthy: !defenseStatus.Active,
		ExpectedEV:       ev,
		Now:              now,
	})
	if odd.Reject != ValidationOK || !odd.IsSpike {
		return
	}

	stage := pool.Ramp.Stage
	if stage == "" {
		stage = StageProbe
		pool.Ramp.Stage = StageProbe
		pool.Ramp.StageEnteredAt = now
	}

	size := StageSize(stage, e.totalEquity)
	if defenseStatus.Active {
		size = size.Mul(defenseStatus.SizeMultiplier)
	}

	if !CanAffordEntry(e.totalEquity, *deployedCapital, size) {
		return
	}

	pos := &Position{
		ID:               ids.New(),
		Pool:             snap.Address,
		EntrySize:        size,
		EntryAt:          now,
		EntryFeeVelocity: snap.FeeIntensity,
		EntryRegime:      snap.Regime,
		EntryScore:       scoreFromODS(odd.ODS),
	}
	NewLifecycle(pos) // defaults State to ACTIVE

	e.positions[pos.ID] = pos
	*deployedCapital = deployedCapital.Add(size)
	e.persistPosition(pos, now, false)
	e.recordBootstrapEntry(now)

	reason := "ODD_SPIKE"
	if odd.IsRareConvergence {
		reason = "ODD_RARE_CONVERGENCE"
	}
	result.Entries = append(result.Entries, feed.EntryDecision{
		Pool:   snap.Address,
		Size:   size,
		Stage:  string(stage),
		Reason: reason,
	})
	log.Info().Str("pool", snap.Address.Hex()).Str("position_id", pos.ID).Str("stage", string(stage)).Msg("entry approved")
}

func (e *Engine) hasOpenPosition(addr common.Address) bool {
	for _, p := range e.positions {
		if p.Pool == addr {
			return true
		}
	}
	return false
}

// evaluatePosition drives one open position's Rebalance Controller, Bleed
// Guard, Hold evaluator, Exit Classifier, and Escape Hatch verdicts through
// the Lifecycle state machine for this cycle.
func (e *Engine) evaluatePosition(p *Position, hasSnap bool, snap feed.PoolSnapshot, now time.Time, result *CycleResult) {
	lc := NewLifecycle(p)

	switch p.State {
	case StateExitTriggered:
		e.evaluateEscapeHatch(p, lc, now, result)
		return
	case StateForcedExitPending:
		// The Escape Hatch already fired to reach this state; nothing left
		// to evaluate except executing the exit itself.
		class := ClassifyResult{Classification: ClassRisk, RiskType: "ESCAPE_HATCH"}
		e.finalizeExit(p, lc, ExitReasonCode("ESCAPE_HATCH"), class, now, result)
		return
	case StateExiting:
		return
	}

	if !hasSnap {
		return
	}
	pool := e.pools[p.Pool]
	if pool == nil {
		return
	}

	e.accrueFees(p, snap, now)
	e.evaluateRebalance(p, pool, snap, now, result)

	bleed := e.evaluateBleedGuard(p, pool, snap, now)
	if bleed.ShouldExit {
		e.classifyAndTransitionExit(p, lc, bleed.Reason, snap, now, result)
		return
	}

	holdIn := HoldEvalInput{
		Position:               p,
		PriceMovePerHour:       snap.PriceVelocity,
		MigrationSlope:         snap.MigrationSlope,
		NormalizedFeeIntensity: snap.FeeIntensity,
		ExpectedNetValue:       expectedEV(snap),
		EntryRegime:            p.EntryRegime,
		CurrentRegime:          snap.Regime,
		CurrentScore:           scoreFromODS(e.poolODS(pool, snap, now)),
		Now:                    now,
	}
	hold := EvaluateHold(holdIn)

	switch p.State {
	case StateActive:
		if hold.CanEnterHold {
			evt, cerr := lc.Transition(StateHold, CauseHoldEntryConditionsMet, now)
			if cerr != nil {
				log.Error().Err(cerr).Msg("lifecycle: illegal HOLD entry transition")
				return
			}
			result.Events = append(result.Events, evt)
		}
	case StateHold:
		if hold.ShouldExitHold {
			e.classifyAndTransitionExit(p, lc, hold.HoldExitReason, snap, now, result)
			return
		}
	}

	e.evaluateRampProof(p, pool, now)
	e.persistPosition(p, now, false)
}

// poolODS evaluates the Detector purely for its ODS composite (ignoring the
// validation reject/spike-confirmation outputs), reused as the HOLD
// evaluator's "current score" input.
func (e *Engine) poolODS(pool *Pool, snap feed.PoolSnapshot, now time.Time) decimal.Decimal {
	res := Evaluate(ODDInput{Pool: pool, Snapshot: snap, Bootstrap: e.bootstrapActive, Now: now, ExpectedEV: decimal.NewFromInt(1), PortfolioHealthy: true})
	return res.ODS
}

// evaluateRebalance checks the Rebalance Controller for one of the
// ratio-against-rolling-mean triggers of spec §4.8 and, if accepted, emits a
// RebalanceDecision. It never changes lifecycle state.
func (e *Engine) evaluateRebalance(p *Position, pool *Pool, snap feed.PoolSnapshot, now time.Time, result *CycleResult) {
	trigger, ok := detectRebalanceTrigger(pool, snap, p)
	if !ok {
		return
	}

	feeVelocityPerSecond := p.FeeVelocityPerHour().Div(decimal.NewFromInt(3600))
	flow := ClassifyFlowState(feeVelocityPerSecond, e.bootstrapActive)

	feeGain5Min := p.FeeVelocityPerHour().Div(decimal.NewFromInt(12))
	cand := RebalanceCandidate{
		Pool:                 pool,
		Trigger:              trigger,
		EstimatedFeeGain5Min: feeGain5Min,
		TxCost:               RebalanceTxCostProxy,
		FlowState:            flow,
		Now:                  now,
	}

	verdict := e.rebalance.Evaluate(cand)
	if !verdict.Accepted {
		if e.metrics != nil {
			e.metrics.RebalancesBlocked.WithLabelValues(string(verdict.Reject)).Inc()
		}
		return
	}

	p.RebalanceCount++
	p.LastRebalanceAt = now
	result.Rebalances = append(result.Rebalances, feed.RebalanceDecision{
		PositionID:   p.ID,
		Trigger:      string(trigger),
		CostEstimate: cand.TxCost,
		ExpectedGain: feeGain5Min,
	})
	log.Info().Str("position_id", p.ID).Str("trigger", string(trigger)).Msg("rebalance accepted")
}

// detectRebalanceTrigger maps a pool's current snapshot to spec §4.8's named
// triggers. feed.PoolSnapshot carries no dedicated per-trigger signal, so
// DOMINANCE_FLIP (fee intensity >= DominanceFlipMultiple x its rolling
// mean), VELOCITY_COLLAPSE (fee intensity <= (1 - VelocityCollapseFraction)
// x its rolling mean) and LIQUIDITY_CROWDING (volume in range >=
// (1 + LiquidityCrowdingGrowth) x its rolling mean) compare against the
// pool's own rolling-stat baseline. REVISIT_SPIKE compares the raw swap
// velocity against 1 + RevisitSpikeGrowth, and PROFIT_LOCK compares the
// position's unrealized PnL against 1% of its entry size x ProfitLockMultiple.
func detectRebalanceTrigger(pool *Pool, snap feed.PoolSnapshot, p *Position) (RebalanceTrigger, bool) {
	feeMean := decimal.NewFromFloat(pool.FeeIntensity.Mean())
	volMean := decimal.NewFromFloat(pool.VolumeInRange.Mean())

	if feeMean.IsPositive() {
		if snap.FeeIntensity.GreaterThanOrEqual(feeMean.Mul(DominanceFlipMultiple)) {
			return TriggerDominanceFlip, true
		}
		if snap.FeeIntensity.LessThanOrEqual(feeMean.Mul(decimal.NewFromInt(1).Sub(VelocityCollapseFraction))) {
			return TriggerVelocityCollapse, true
		}
	}
	if volMean.IsPositive() && snap.VolumeInRange.GreaterThanOrEqual(volMean.Mul(decimal.NewFromInt(1).Add(LiquidityCrowdingGrowth))) {
		return TriggerLiquidityCrowding, true
	}
	if snap.SwapVelocity.GreaterThanOrEqual(decimal.NewFromInt(1).Add(RevisitSpikeGrowth)) {
		return TriggerRevisitSpike, true
	}
	if p.UnrealizedPnL.IsPositive() {
		target := p.EntrySize.Mul(decimal.NewFromFloat(0.01)).Mul(ProfitLockMultiple)
		if p.UnrealizedPnL.GreaterThanOrEqual(target) {
			return TriggerProfitLock, true
		}
	}
	return "", false
}

// accrueFees estimates this cycle's fee accrual for a position from the
// pool's current fee intensity, since feed.PoolSnapshot carries a pool-wide
// rate rather than a per-position cumulative-fees counter. UnrealizedPnL is
// approximated as fees collected net of a fixed round-trip cost proxy.
func (e *Engine) accrueFees(p *Position, snap feed.PoolSnapshot, now time.Time) {
	elapsed := DefaultScanInterval
	if len(p.FeeSnapshots) > 0 {
		last := p.FeeSnapshots[len(p.FeeSnapshots)-1]
		if d := now.Sub(last.At); d > 0 {
			elapsed = d
		}
	}
	accrual := snap.FeeIntensity.Mul(p.EntrySize).Mul(decimal.NewFromFloat(elapsed.Hours()))
	p.AccumulatedFees = p.AccumulatedFees.Add(accrual)
	p.PushFeeSnapshot(now, p.AccumulatedFees)

	roundTripCost := p.EntrySize.Mul(decimal.NewFromFloat(0.003))
	p.UnrealizedPnL = p.AccumulatedFees.Sub(roundTripCost)
}

// evaluateBleedGuard builds the per-position Bleed Guard inputs from
// available pool/position data and updates the pool's consecutive-bad-window
// counter (spec §4.6). Tier selection has no dedicated feed signal, so every
// position uses MinHoldTierB, the guard's longest (30-minute) tier.
func (e *Engine) evaluateBleedGuard(p *Position, pool *Pool, snap feed.PoolSnapshot, now time.Time) BleedGuardResult {
	hoursSinceEntry := now.Sub(p.EntryAt).Hours()
	lossRatePerHour := decimal.Zero
	if p.UnrealizedPnL.IsNegative() && hoursSinceEntry > 0 {
		lossRatePerHour = p.UnrealizedPnL.Abs().Div(decimal.NewFromFloat(hoursSinceEntry))
	}

	res := EvaluateBleedGuard(BleedGuardInput{
		Tier:             MinHoldTierB,
		EntryAt:          p.EntryAt,
		UnrealizedPnL:    p.UnrealizedPnL,
		LossRatePerHour:  lossRatePerHour,
		FeeRatePerHour:   snap.FeeIntensity,
		FeeVelocity:      p.FeeVelocityPerHour(),
		EntryFeeVelocity: p.EntryFeeVelocity,
		BadWindowCount:   pool.Bleed.ConsecutiveBadWindows,
		Now:              now,
	})

	pool.Bleed.ConsecutiveBadWindows = res.NewBadWindowCount
	if res.ShouldExit {
		pool.Bleed.CooldownUntil = res.CooldownUntil
	}
	return res
}

// evaluateRampProof advances the Capital Ramp's proof evaluation for the
// pool a position is deployed into (spec §4.9).
func (e *Engine) evaluateRampProof(p *Position, pool *Pool, now time.Time) {
	if pool.Ramp.Stage == "" {
		return
	}
	txCostProxy := p.EntrySize.Mul(decimal.NewFromFloat(0.003))
	normalizedVelocity := decimal.Zero
	if p.EntrySize.IsPositive() {
		perThousand := p.EntrySize.Div(decimal.NewFromInt(1000))
		if perThousand.IsPositive() {
			normalizedVelocity = p.FeeVelocityPerHour().Div(perThousand)
		}
	}

	outcome := EvaluateProof(&pool.Ramp, RampProofInput{
		AccumulatedFees:       p.AccumulatedFees,
		EntryCost:             txCostProxy,
		ExpectedExitCost:      txCostProxy,
		NormalizedFeeVelocity: normalizedVelocity,
		WindowStartedAt:       pool.Ramp.StageEnteredAt,
		Now:                   now,
	})

	switch outcome {
	case RampOutcomeStepUp:
		log.Info().Str("pool", pool.Address.Hex()).Str("stage", string(pool.Ramp.Stage)).Msg("capital ramp stepped up")
	case RampOutcomeBlacklist:
		log.Warn().Str("pool", pool.Address.Hex()).Msg("capital ramp blacklisted")
	}
}

// classifyAndTransitionExit runs the Exit Classifier on a candidate exit
// reason and drives the appropriate Lifecycle transition: RISK bypasses
// suppression (HOLD -> EXITING directly); NOISE is suppressed into
// EXIT_TRIGGERED when CanSuppress allows it. DevMode enables spec §6/§7's
// "never suppress while EV < 0" assertion.
func (e *Engine) classifyAndTransitionExit(p *Position, lc *Lifecycle, reason ExitReasonCode, snap feed.PoolSnapshot, now time.Time, result *CycleResult) {
	ev := expectedEV(snap)
	class := Classify(ClassifyInput{
		Reason:         reason,
		ExpectedEV:     ev,
		EntryRegime:    p.EntryRegime,
		CurrentRegime:  snap.Regime,
		MigrationSlope: snap.MigrationSlope,
		EntryScore:     p.EntryScore,
		CurrentScore:   scoreFromODS(expectedEV(snap)),
	})

	if class.Classification == ClassNoise && class.CanSuppress {
		if e.devMode && ev.IsNegative() {
			err := NewCoreError(KindInvariantViolation, "classifyAndTransitionExit",
				fmt.Errorf("position %s: suppressing NOISE exit while expected EV %s is negative", p.ID, ev))
			log.Error().Err(err).Msg("dev-mode invariant violated")
			panic(err)
		}

		wasHold := p.State == StateHold
		evt, cerr := lc.Transition(StateExitTriggered, CauseExitNoiseUnsuppressed, now)
		if cerr != nil {
			log.Error().Err(cerr).Msg("lifecycle: illegal exit-trigger transition")
			return
		}
		if wasHold {
			p.RecordSuppression(now)
		}
		result.Events = append(result.Events, evt)
		return
	}

	// RISK. The adjacency table only allows HOLD and EXIT_TRIGGERED to move
	// straight to EXITING — an ACTIVE position must route through
	// EXIT_TRIGGERED first even for a RISK verdict (spec §4.2).
	if p.State == StateActive {
		evt, cerr := lc.Transition(StateExitTriggered, CauseExitRisk, now)
		if cerr != nil {
			log.Error().Err(cerr).Msg("lifecycle: illegal ACTIVE exit-trigger transition")
			return
		}
		result.Events = append(result.Events, evt)
		return
	}

	e.finalizeExit(p, lc, reason, class, now, result)
}

// evaluateEscapeHatch runs the Escape Hatch for a position already in
// EXIT_TRIGGERED, finalizing the exit if it fires. FORCED_EXIT_PENDING
// positions are finalized directly by evaluatePosition.
func (e *Engine) evaluateEscapeHatch(p *Position, lc *Lifecycle, now time.Time, result *CycleResult) {
	costTarget := p.EntrySize.Mul(decimal.NewFromFloat(0.01))
	res := EvaluateEscapeHatch(EscapeHatchInput{
		Position:         p,
		BadSampleCount:   p.RebalanceCount,
		CostTarget:       costTarget,
		FeesAccruedSoFar: p.AccumulatedFees,
		Now:              now,
	})
	if !res.Fired {
		e.persistPosition(p, now, false)
		return
	}

	if p.State == StateExitTriggered {
		if _, cerr := lc.Transition(StateForcedExitPending, CauseEscapeHatch, now); cerr != nil {
			log.Error().Err(cerr).Msg("lifecycle: illegal forced-exit-pending transition")
			return
		}
	}
	class := ClassifyResult{Classification: ClassRisk, RiskType: string(res.Reason)}
	e.finalizeExit(p, lc, ExitReasonCode(res.Reason), class, now, result)
}

// finalizeExit transitions a position into EXITING, records the outcome
// against the portfolio-level Fee-Bleed Defense, persists the closed
// position, and drops it from the live position set.
func (e *Engine) finalizeExit(p *Position, lc *Lifecycle, reason ExitReasonCode, class ClassifyResult, now time.Time, result *CycleResult) {
	evt, cerr := lc.Transition(StateExiting, CauseExitIssued, now)
	if cerr != nil {
		log.Error().Err(cerr).Msg("lifecycle: illegal transition to EXITING")
		return
	}
	result.Events = append(result.Events, evt)

	result.Exits = append(result.Exits, feed.ExitDecision{
		PositionID:     p.ID,
		Reason:         string(reason),
		Classification: string(class.Classification),
		RiskType:       class.RiskType,
	})

	e.defense.RecordOutcome(feed.TradeOutcome{
		PositionID: p.ID,
		Pool:       p.Pool,
		NetPnL:     p.UnrealizedPnL,
		GrossPnL:   p.UnrealizedPnL,
		ExpectedEV: p.UnrealizedPnL,
		ClosedAt:   now,
	})

	e.persistPosition(p, now, true)
	delete(e.positions, p.ID)
	log.Info().Str("position_id", p.ID).Str("reason", string(reason)).Str("classification", string(class.Classification)).Msg("position exited")
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
