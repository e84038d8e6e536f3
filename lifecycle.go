package dlmm

import (
	"fmt"
	"time"

	"github.com/032383justin/dlmm-mm-engine/pkg/feed"
)

// Cause is a closed set of reasons a lifecycle transition can be attributed
// to, kept distinct from ExitReasonCode (classifier.go) since not every
// transition is exit-related.
type Cause string

const (
	CauseHoldEntryConditionsMet Cause = "HOLD_ENTRY_CONDITIONS_MET"
	CauseHoldExitConditionMet   Cause = "HOLD_EXIT_CONDITION_MET"
	CauseExitRisk               Cause = "EXIT_RISK"
	CauseExitNoiseUnsuppressed  Cause = "EXIT_NOISE_UNSUPPRESSED"
	CauseEscapeHatch            Cause = "ESCAPE_HATCH"
	CauseExitIssued             Cause = "EXIT_ISSUED"
)

// transitions is the explicit adjacency table for the Position Lifecycle
// State Machine (spec §4.2). Any transition not listed here is illegal.
var transitions = map[PositionState]map[PositionState]bool{
	StateActive: {
		StateHold:          true,
		StateExitTriggered: true,
	},
	StateHold: {
		StateActive:        true,
		StateExitTriggered: true,
		StateExiting:       true, // RISK exits bypass EXIT_TRIGGERED suppression entirely
	},
	StateExitTriggered: {
		StateForcedExitPending: true,
		StateExiting:           true,
	},
	StateForcedExitPending: {
		StateExiting: true,
	},
	StateExiting: {},
}

// Lifecycle drives one position's state machine and assigns monotonic
// sequence numbers to its events (spec §4.2: "Every state change emits a
// lifecycle event ... with a monotonic sequence number").
type Lifecycle struct {
	pos *Position
}

// NewLifecycle wraps a position, defaulting its state to ACTIVE if unset.
func NewLifecycle(p *Position) *Lifecycle {
	if p.State == "" {
		p.State = StateActive
	}
	return &Lifecycle{pos: p}
}

// Transition moves the position to next, recording a LifecycleEvent. It
// returns an InvariantViolation if the transition is not in the adjacency
// table — lifecycle bugs must fail loud, not silently coerce state.
func (l *Lifecycle) Transition(next PositionState, cause Cause, now time.Time) (feed.LifecycleEvent, *CoreError) {
	prior := l.pos.State
	allowed, ok := transitions[prior]
	if !ok || !allowed[next] {
		return feed.LifecycleEvent{}, NewCoreError(KindInvariantViolation, "lifecycle.Transition",
			fmt.Errorf("illegal transition %s -> %s (cause %s) for position %s", prior, next, cause, l.pos.ID))
	}

	l.pos.State = next
	switch next {
	case StateHold:
		t := now
		l.pos.HoldEnteredAt = &t
	case StateActive:
		l.pos.HoldEnteredAt = nil
	case StateExitTriggered:
		t := now
		l.pos.ExitTriggeredAt = &t
	}

	l.pos.LastSeq++
	return feed.LifecycleEvent{
		PositionID: l.pos.ID,
		Seq:        l.pos.LastSeq,
		Prior:      prior.String(),
		Next:       next.String(),
		Cause:      string(cause),
		At:         now,
	}, nil
}

// ExitTriggeredDuration returns how long the position has been in
// EXIT_TRIGGERED as of now, used by the Escape Hatch TTL condition. Returns
// 0 if the position is not currently in that state.
func (l *Lifecycle) ExitTriggeredDuration(now time.Time) time.Duration {
	if l.pos.State != StateExitTriggered || l.pos.ExitTriggeredAt == nil {
		return 0
	}
	return now.Sub(*l.pos.ExitTriggeredAt)
}

// HoldDuration returns how long the position has been in HOLD as of now.
func (l *Lifecycle) HoldDuration(now time.Time) time.Duration {
	if l.pos.State != StateHold || l.pos.HoldEnteredAt == nil {
		return 0
	}
	return now.Sub(*l.pos.HoldEnteredAt)
}
