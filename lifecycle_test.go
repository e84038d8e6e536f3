package dlmm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleHappyPath(t *testing.T) {
	now := time.Now()
	pos := &Position{ID: "p1", State: StateActive}
	lc := NewLifecycle(pos)

	ev, cerr := lc.Transition(StateHold, CauseHoldEntryConditionsMet, now)
	require.Nil(t, cerr)
	assert.Equal(t, StateHold, pos.State)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.NotNil(t, pos.HoldEnteredAt)

	ev2, cerr := lc.Transition(StateActive, CauseHoldExitConditionMet, now.Add(time.Minute))
	require.Nil(t, cerr)
	assert.Equal(t, uint64(2), ev2.Seq)
	assert.Nil(t, pos.HoldEnteredAt)
}

func TestLifecycleHoldToExitingBypassesExitTriggered(t *testing.T) {
	pos := &Position{ID: "p1", State: StateHold}
	lc := NewLifecycle(pos)

	_, cerr := lc.Transition(StateExiting, CauseExitRisk, time.Now())
	require.Nil(t, cerr)
	assert.Equal(t, StateExiting, pos.State)
}

func TestLifecycleIllegalTransitionIsFatal(t *testing.T) {
	pos := &Position{ID: "p1", State: StateExiting}
	lc := NewLifecycle(pos)

	_, cerr := lc.Transition(StateActive, CauseExitIssued, time.Now())
	require.NotNil(t, cerr)
	assert.Equal(t, KindInvariantViolation, cerr.Kind)
	assert.True(t, cerr.Kind.Fatal())
}

func TestExitTriggeredDurationMonotonic(t *testing.T) {
	now := time.Now()
	pos := &Position{ID: "p1", State: StateActive}
	lc := NewLifecycle(pos)

	_, cerr := lc.Transition(StateExitTriggered, CauseExitNoiseUnsuppressed, now)
	require.Nil(t, cerr)

	d1 := lc.ExitTriggeredDuration(now.Add(time.Minute))
	d2 := lc.ExitTriggeredDuration(now.Add(2 * time.Minute))
	assert.True(t, d2 > d1)
}

func TestHoldDurationZeroWhenNotInHold(t *testing.T) {
	pos := &Position{ID: "p1", State: StateActive}
	lc := NewLifecycle(pos)
	assert.Equal(t, time.Duration(0), lc.HoldDuration(time.Now()))
}
