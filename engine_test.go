package dlmm

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/032383justin/dlmm-mm-engine/internal/clock"
	"github.com/032383justin/dlmm-mm-engine/internal/metrics"
	"github.com/032383justin/dlmm-mm-engine/internal/store"
	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

type fakeFeed struct {
	snapshots []feed.PoolSnapshot
	err       error
}

func (f *fakeFeed) PoolSnapshots(ctx context.Context) ([]feed.PoolSnapshot, error) {
	return f.snapshots, f.err
}

// newMockStore mirrors internal/store's own sqlmock fixture so engine tests
// can exercise persistence-touching paths without a live MySQL connection.
func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	mock.MatchExpectationsInOrder(false)

	return store.OpenWithRawDB(gormDB), mock, func() { sqlDB.Close() }
}

func TestEngineRunCycleRequiresBootstrap(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, false)
	err := e.RunCycle(context.Background(), time.Now())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvariantViolation))
}

func TestEngineRunCycleIngestsSnapshotsAndUpdatesMetrics(t *testing.T) {
	now := time.Now()
	reg := metrics.New()
	e := NewEngine(clock.NewFake(now), &fakeFeed{
		snapshots: []feed.PoolSnapshot{
			{Address: common.HexToAddress("0x1"), FeeIntensity: decimal.NewFromInt(5), VolumeInRange: decimal.NewFromInt(2), Regime: feed.RegimeNeutral},
		},
	}, nil, reg, false)

	seal, cerr := Build(feed.ReconciliationInput{
		RunID:            "run-1",
		OpenPositionIDs:  nil,
		LockedCapital:    decimal.Zero,
		AvailableCapital: decimal.NewFromInt(1000),
		TotalEquity:      decimal.NewFromInt(1000),
	}, nil, now)
	require.Nil(t, cerr)
	e.seal = seal
	e.totalEquity = decimal.NewFromInt(1000)

	err := e.RunCycle(context.Background(), now)
	require.NoError(t, err)

	pool, ok := e.pools[common.HexToAddress("0x1")]
	require.True(t, ok)
	assert.Equal(t, 1, pool.FeeIntensity.Count())
	assert.Equal(t, decimal.NewFromInt(5), pool.LastSnapshot.FeeIntensity)
}

func TestEngineRunCyclePropagatesFeedError(t *testing.T) {
	now := time.Now()
	e := NewEngine(clock.NewFake(now), &fakeFeed{err: assert.AnError}, nil, nil, false)
	seal, cerr := Build(feed.ReconciliationInput{TotalEquity: decimal.NewFromInt(1000)}, nil, now)
	require.Nil(t, cerr)
	e.seal = seal

	err := e.RunCycle(context.Background(), now)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransientRPC))
}

// TestEngineBootstrapRejectsSecondCall covers the seal's "build once" rule
// (spec §4.1): a second Bootstrap call on an already-sealed Engine must
// surface RebuildAttempt rather than silently rebuild.
func TestEngineBootstrapRejectsSecondCall(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery("SELECT \\* FROM `positions`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT pool_address, count\\(\\*\\) as count FROM `pool_snapshots`").
		WillReturnRows(sqlmock.NewRows([]string{"pool_address", "count"}))
	mock.ExpectQuery("SELECT \\* FROM `runtime_state`").WillReturnError(gorm.ErrRecordNotFound)

	now := time.Now()
	e := NewEngine(clock.NewFake(now), &fakeFeed{}, st, nil, false)
	require.NoError(t, e.Bootstrap(context.Background(), "run-1", decimal.NewFromInt(1000)))

	err := e.Bootstrap(context.Background(), "run-2", decimal.NewFromInt(1000))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvariantViolation))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestEngineRunCycleAssertsSealMode covers AssertModeUnchanged: a running
// Engine's seal always asserts ModeStateful, so RunCycle must never itself
// regress that (this documents the guard is actually wired in).
func TestEngineRunCycleAssertsSealMode(t *testing.T) {
	now := time.Now()
	e := NewEngine(clock.NewFake(now), &fakeFeed{}, nil, nil, false)
	seal, cerr := Build(feed.ReconciliationInput{TotalEquity: decimal.NewFromInt(1000)}, nil, now)
	require.Nil(t, cerr)
	e.seal = seal

	require.NoError(t, e.RunCycle(context.Background(), now))
	assert.NoError(t, e.seal.AssertModeUnchanged(ModeStateful))
}

func newTestPool(addr common.Address) *Pool {
	return NewPool(addr)
}

// TestClassifyAndTransitionExitActiveRiskRoutesThroughExitTriggered verifies
// the adjacency-table fix: a RISK verdict against an ACTIVE position must
// land in EXIT_TRIGGERED, never jump straight to EXITING.
func TestClassifyAndTransitionExitActiveRiskRoutesThroughExitTriggered(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, false)
	now := time.Now()

	p := &Position{ID: "pos-1", Pool: common.HexToAddress("0x1"), EntryRegime: feed.RegimeNeutral, EntryScore: decimal.NewFromInt(50)}
	lc := NewLifecycle(p)
	e.positions[p.ID] = p

	snap := feed.PoolSnapshot{
		Address:      p.Pool,
		FeeIntensity: decimal.NewFromFloat(0.005), // expectedEV = 0.005 - 0.01 < 0 => RISK
		Regime:       feed.RegimeNeutral,
	}

	result := &CycleResult{}
	e.classifyAndTransitionExit(p, lc, ReasonNegativeEV, snap, now, result)

	assert.Equal(t, StateExitTriggered, p.State)
	assert.Empty(t, result.Exits)
	require.Len(t, result.Events, 1)
	assert.Equal(t, string(CauseExitRisk), result.Events[0].Cause)
	_, stillOpen := e.positions[p.ID]
	assert.True(t, stillOpen)
}

// TestClassifyAndTransitionExitHoldRiskFinalizesDirectly verifies a RISK
// verdict against a HOLD position is allowed to bypass EXIT_TRIGGERED
// entirely per the adjacency table, and is recorded as an exit.
func TestClassifyAndTransitionExitHoldRiskFinalizesDirectly(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, false)
	now := time.Now()

	p := &Position{ID: "pos-2", Pool: common.HexToAddress("0x2"), EntryRegime: feed.RegimeNeutral, EntryScore: decimal.NewFromInt(50), State: StateHold}
	e.positions[p.ID] = p
	lc := NewLifecycle(p)

	snap := feed.PoolSnapshot{
		Address:      p.Pool,
		FeeIntensity: decimal.NewFromFloat(0.005),
		Regime:       feed.RegimeNeutral,
	}

	result := &CycleResult{}
	e.classifyAndTransitionExit(p, lc, ReasonNegativeEV, snap, now, result)

	assert.Equal(t, StateExiting, p.State)
	require.Len(t, result.Exits, 1)
	assert.Equal(t, string(ClassRisk), result.Exits[0].Classification)
	_, stillOpen := e.positions[p.ID]
	assert.False(t, stillOpen)
}

// TestClassifyAndTransitionExitNoiseSuppressedUnderDevModeDoesNotPanic
// confirms the dev-mode "never suppress while EV<0" assertion cannot
// misfire: Classify already forces RISK whenever ExpectedEV is negative, so
// a NOISE-eligible reason with positive EV suppresses safely even with
// DevMode on.
func TestClassifyAndTransitionExitNoiseSuppressedUnderDevModeDoesNotPanic(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, true)
	now := time.Now()

	p := &Position{ID: "pos-3", Pool: common.HexToAddress("0x3"), EntryRegime: feed.RegimeNeutral, EntryScore: decimal.NewFromInt(50), State: StateHold}
	e.positions[p.ID] = p
	lc := NewLifecycle(p)

	snap := feed.PoolSnapshot{
		Address:      p.Pool,
		FeeIntensity: decimal.NewFromFloat(0.02), // expectedEV = 0.01 > 0
		Regime:       feed.RegimeNeutral,
	}

	result := &CycleResult{}
	assert.NotPanics(t, func() {
		e.classifyAndTransitionExit(p, lc, ReasonLowMovement, snap, now, result)
	})

	assert.Equal(t, StateExitTriggered, p.State)
	assert.Equal(t, 1, p.SuppressionCount(now))
}

// TestEvaluatePositionForcedExitPendingFinalizesImmediately verifies the
// stuck-state fix: a position already in FORCED_EXIT_PENDING must be
// finalized on the very next evaluation rather than waiting on the Escape
// Hatch (which only acts from EXIT_TRIGGERED).
func TestEvaluatePositionForcedExitPendingFinalizesImmediately(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `positions`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, st, nil, false)
	now := time.Now()

	p := &Position{ID: "pos-4", Pool: common.HexToAddress("0x4"), State: StateForcedExitPending}
	e.positions[p.ID] = p

	result := &CycleResult{}
	e.evaluatePosition(p, false, feed.PoolSnapshot{}, now, result)

	assert.Equal(t, StateExiting, p.State)
	require.Len(t, result.Exits, 1)
	assert.Equal(t, "ESCAPE_HATCH", result.Exits[0].Reason)
	_, stillOpen := e.positions[p.ID]
	assert.False(t, stillOpen)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestEvaluatePositionExitingIsNoop ensures a terminal EXITING position is
// never re-evaluated (the adjacency table has no outgoing transitions from
// it).
func TestEvaluatePositionExitingIsNoop(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, false)
	p := &Position{ID: "pos-5", State: StateExiting}
	e.positions[p.ID] = p

	result := &CycleResult{}
	e.evaluatePosition(p, false, feed.PoolSnapshot{}, time.Now(), result)

	assert.Equal(t, StateExiting, p.State)
	assert.Empty(t, result.Exits)
	assert.Empty(t, result.Events)
}

func TestAccrueFeesAccumulatesAndDerivesPnL(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, false)
	now := time.Now()

	p := &Position{ID: "pos-6", EntrySize: decimal.NewFromInt(1000), EntryAt: now.Add(-time.Hour)}
	snap := feed.PoolSnapshot{FeeIntensity: decimal.NewFromFloat(0.001)}

	e.accrueFees(p, snap, now)
	require.Len(t, p.FeeSnapshots, 1)
	assert.True(t, p.AccumulatedFees.IsPositive())

	later := now.Add(time.Hour)
	e.accrueFees(p, snap, later)
	require.Len(t, p.FeeSnapshots, 2)
	assert.True(t, p.AccumulatedFees.GreaterThan(decimal.Zero))

	roundTripCost := p.EntrySize.Mul(decimal.NewFromFloat(0.003))
	assert.True(t, p.UnrealizedPnL.Equal(p.AccumulatedFees.Sub(roundTripCost)))
}

func TestDetectRebalanceTriggerDominanceFlip(t *testing.T) {
	pool := newTestPool(common.HexToAddress("0x7"))
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		pool.FeeIntensity.Push(1.0, base.Add(time.Duration(i)*time.Minute))
		pool.VolumeInRange.Push(1.0, base.Add(time.Duration(i)*time.Minute))
	}
	p := &Position{EntrySize: decimal.NewFromInt(100)}
	snap := feed.PoolSnapshot{FeeIntensity: decimal.NewFromFloat(3.0)}

	trigger, ok := detectRebalanceTrigger(pool, snap, p)
	require.True(t, ok)
	assert.Equal(t, TriggerDominanceFlip, trigger)
}

func TestDetectRebalanceTriggerNoneWhenAtBaseline(t *testing.T) {
	pool := newTestPool(common.HexToAddress("0x8"))
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		pool.FeeIntensity.Push(1.0, base.Add(time.Duration(i)*time.Minute))
		pool.VolumeInRange.Push(1.0, base.Add(time.Duration(i)*time.Minute))
	}
	p := &Position{EntrySize: decimal.NewFromInt(100)}
	snap := feed.PoolSnapshot{FeeIntensity: decimal.NewFromFloat(1.0), VolumeInRange: decimal.NewFromFloat(1.0)}

	_, ok := detectRebalanceTrigger(pool, snap, p)
	assert.False(t, ok)
}

// TestIsWarmedUpSkipsOnHighTotal exercises the SKIP branch of the bootstrap
// persistence contract directly against SnapshotCounts.
func TestIsWarmedUpSkipsOnHighTotal(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"pool_address", "count"}).AddRow("0xabc", 60)
	mock.ExpectQuery("SELECT pool_address, count\\(\\*\\) as count FROM `pool_snapshots`").WillReturnRows(rows)

	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, st, nil, false)
	warm, err := e.isWarmedUp(time.Now())
	require.NoError(t, err)
	assert.True(t, warm)
}

func TestIsWarmedUpNotWarmOnLowCounts(t *testing.T) {
	st, mock, closeFn := newMockStore(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"pool_address", "count"}).AddRow("0xabc", 2)
	mock.ExpectQuery("SELECT pool_address, count\\(\\*\\) as count FROM `pool_snapshots`").WillReturnRows(rows)

	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, st, nil, false)
	warm, err := e.isWarmedUp(time.Now())
	require.NoError(t, err)
	assert.False(t, warm)
}

// TestRecordBootstrapEntryStartsWindow verifies the OFF -> START transition
// and its cycle budget/TTL (spec §6).
func TestRecordBootstrapEntryStartsWindow(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, false)
	now := time.Now()

	require.False(t, e.bootstrapActive)
	e.recordBootstrapEntry(now)

	assert.True(t, e.bootstrapActive)
	assert.Equal(t, BootstrapCycleBudget, e.bootstrapCyclesRemaining)
	assert.Equal(t, now.Add(BootstrapWindowDuration), e.bootstrapEndsAt)
}

func TestAdvanceBootstrapWindowExpiresOnCycleBudget(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, false)
	now := time.Now()
	e.bootstrapActive = true
	e.bootstrapEndsAt = now.Add(BootstrapWindowDuration)
	e.bootstrapCyclesRemaining = 1

	e.advanceBootstrapWindow(now)
	assert.False(t, e.bootstrapActive)
}

func TestAdvanceBootstrapWindowNoopWhenInactive(t *testing.T) {
	e := NewEngine(clock.NewFake(time.Now()), &fakeFeed{}, nil, nil, false)
	e.advanceBootstrapWindow(time.Now())
	assert.False(t, e.bootstrapActive)
}
