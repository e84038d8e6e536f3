package dlmm

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

// EngineMode is frozen by the Reconciliation Seal and can never transition
// back to stateless once sealed (spec §4.1).
type EngineMode string

const (
	ModeStateful EngineMode = "STATEFUL"
)

// ReconciliationTolerance is the $0.01 reconciliation tolerance of spec §4.1.
var ReconciliationTolerance = decimal.NewFromFloat(0.01)

// Seal is the process-global, build-once handoff from persisted state to
// runtime state (spec §4.1, §9 Design Notes "singleton-as-seal pattern").
// Build itself keeps no process-wide guard and returns a fresh Seal on each
// call; the build-once rule is enforced by Engine.Bootstrap, which on a
// second call returns RebuildAttempt's fatal InvariantViolation CoreError
// rather than silently reconciling. Nothing here panics.
type Seal struct {
	mu sync.Mutex
	built bool

	RunID            string
	OpenCount        int
	LockedCapital    decimal.Decimal
	AvailableCapital decimal.Decimal
	TotalEquity      decimal.Decimal
	RecoveredCount   int
	SealedAt         time.Time
	Mode             EngineMode
	OpenPositionIDs  []string
}

// Build constructs the seal from a ReconciliationInput and the positions
// hydrated from durable storage. It is the only constructor for Seal and
// must be called exactly once at startup.
func Build(input feed.ReconciliationInput, hydrated []*Position, now time.Time) (*Seal, *CoreError) {
	if len(hydrated) != len(input.OpenPositionIDs) {
		return nil, NewCoreError(KindInvariantViolation, "seal.Build",
			fmt.Errorf("hydrated %d positions but reconciliation input names %d open ids",
				len(hydrated), len(input.OpenPositionIDs)))
	}

	var hydratedLocked decimal.Decimal
	for _, p := range hydrated {
		hydratedLocked = hydratedLocked.Add(p.EntrySize)
	}
	diff := hydratedLocked.Sub(input.LockedCapital).Abs()
	if diff.GreaterThan(ReconciliationTolerance) {
		return nil, NewCoreError(KindInvariantViolation, "seal.Build",
			fmt.Errorf("hydrated locked capital %s does not match reconciliation input %s (diff %s > tolerance %s)",
				hydratedLocked, input.LockedCapital, diff, ReconciliationTolerance))
	}

	s := &Seal{
		built:            true,
		RunID:            input.RunID,
		OpenCount:        len(hydrated),
		LockedCapital:    input.LockedCapital,
		AvailableCapital: input.AvailableCapital,
		TotalEquity:      input.TotalEquity,
		RecoveredCount:   input.RecoveredCount,
		SealedAt:         now,
		Mode:             ModeStateful,
		OpenPositionIDs:  append([]string(nil), input.OpenPositionIDs...),
	}
	return s, nil
}

// RebuildAttempt is called if startup code mistakenly tries to construct a
// second seal (or recompute capital totals) while positions remain open.
// It always returns a fatal InvariantViolation — there is no code path that
// recovers from this, by design: the seal exists specifically to make this
// class of bug impossible to paper over (spec §4.1).
func (s *Seal) RebuildAttempt() *CoreError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built && s.OpenCount > 0 {
		return NewCoreError(KindInvariantViolation, "seal.RebuildAttempt",
			fmt.Errorf("capital rebuild attempted while %d positions remain open under run %s", s.OpenCount, s.RunID))
	}
	return NewCoreError(KindInvariantViolation, "seal.RebuildAttempt",
		fmt.Errorf("seal already built for run %s", s.RunID))
}

// AssertModeUnchanged fails loud if anything tries to move the engine out
// of STATEFUL mode after sealing.
func (s *Seal) AssertModeUnchanged(requested EngineMode) *CoreError {
	if requested != s.Mode {
		return NewCoreError(KindInvariantViolation, "seal.AssertModeUnchanged",
			fmt.Errorf("engine mode is frozen at %s, refusing transition to %s", s.Mode, requested))
	}
	return nil
}
