// Scheduler implements the cooperative single-evaluator model of spec §5:
// a tick never overlaps another, and a cycle that runs long causes the next
// tick to be skipped rather than queued. The teacher's cmd/main.go drives
// its strategy loop from a bare goroutine + channel; this generalizes that
// into a ticker-driven loop gated by golang.org/x/sync/singleflight so a
// slow cycle cannot start a second one concurrently.
package dlmm

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultScanInterval is the period between cycles absent config override
// (spec §5).
const DefaultScanInterval = 2 * time.Minute

// cycleKey is the constant singleflight key: there is only ever one logical
// cycle in flight regardless of how many timers fire.
const cycleKey = "cycle"

// CycleFunc runs one full evaluation cycle.
type CycleFunc func(ctx context.Context, now time.Time) error

// Scheduler ticks CycleFunc at ScanInterval, skipping any tick that arrives
// while the previous cycle is still running.
type Scheduler struct {
	ScanInterval time.Duration
	Run          CycleFunc

	// OnFatal is invoked when a cycle returns a CoreError whose Kind.Fatal()
	// is true (spec §7: InvariantViolation/ConfigMissing must terminate the
	// process). It defaults to reporting to Sentry and exiting with a
	// non-zero code; tests override it to observe the fatal path without
	// killing the test binary.
	OnFatal func(err *CoreError)

	group     singleflight.Group
	running   sync.Mutex
	skipped   int
	lastCycle time.Duration
}

// NewScheduler constructs a Scheduler with the given interval and cycle
// function.
func NewScheduler(interval time.Duration, run CycleFunc) *Scheduler {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scheduler{
		ScanInterval: interval,
		Run:          run,
		OnFatal: func(err *CoreError) {
			Report(err)
			os.Exit(1)
		},
	}
}

// Start blocks, ticking until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, clockNow func() time.Time) {
	ticker := time.NewTicker(s.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, clockNow())
		}
	}
}

// tick fires exactly one cycle attempt. If a cycle is already in flight
// (the previous tick overran ScanInterval), this tick is skipped and
// counted rather than queued (spec §5: "Any per-cycle work that exceeds
// the period is logged and the next cycle is skipped rather than queued").
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.running.TryLock() {
		s.skipped++
		log.Warn().Int("skipped_total", s.skipped).Msg("scheduler: cycle still in flight, skipping tick")
		return
	}
	defer s.running.Unlock()

	started := time.Now()
	_, err, _ := s.group.Do(cycleKey, func() (interface{}, error) {
		return nil, s.Run(ctx, now)
	})
	s.lastCycle = time.Since(started)

	if err != nil {
		log.Error().Err(err).Msg("scheduler: cycle returned error")

		var ce *CoreError
		if errors.As(err, &ce) && ce.Kind.Fatal() && s.OnFatal != nil {
			s.OnFatal(ce)
		}
	}
}

// SkippedCycles returns how many ticks were skipped because the previous
// cycle had not yet returned.
func (s *Scheduler) SkippedCycles() int { return s.skipped }

// LastCycleDuration returns the wall-clock duration of the most recently
// completed cycle attempt; skipped ticks leave it unchanged.
func (s *Scheduler) LastCycleDuration() time.Duration { return s.lastCycle }
