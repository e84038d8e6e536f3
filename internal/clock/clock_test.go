package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	assert.Equal(t, start, f.Now())

	f.Advance(45 * time.Minute)
	assert.Equal(t, start.Add(45*time.Minute), f.Now())

	f.Set(start.Add(2 * time.Hour))
	assert.Equal(t, start.Add(2*time.Hour), f.Now())
}

func TestSystemNowMovesForward(t *testing.T) {
	var s System
	first := s.Now()
	time.Sleep(time.Millisecond)
	second := s.Now()
	assert.True(t, second.After(first) || second.Equal(first))
}
