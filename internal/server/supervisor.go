package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/waterwheel-org/waterwheel/internal/logger"
)

const (
	// The maxFailures-th failure within failureWindow means the component
	// is wedged and restarting it again would just burn the log.
	maxFailures   = 5
	failureWindow = time.Minute
	restartDelay  = time.Second
)

// supervisor restarts a core loop when it fails. Core loops only return
// on real failures (lost database, lost bus), which are usually
// transient; persistent failure trips the breaker and brings the whole
// server down so the process manager can take over.
type supervisor struct {
	name  string
	run   func(context.Context) error
	delay time.Duration

	// clock is swapped out in tests.
	clock func() time.Time
}

func supervise(name string, run func(context.Context) error) *supervisor {
	return &supervisor{
		name:  name,
		run:   run,
		delay: restartDelay,
		clock: func() time.Time { return time.Now() },
	}
}

// Run executes the supervised loop until the context is cancelled or the
// failure breaker trips.
func (s *supervisor) Run(ctx context.Context) error {
	var failures []time.Time

	for {
		err := s.run(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		now := s.clock()
		failures = append(failures, now)
		for len(failures) > 0 && now.Sub(failures[0]) > failureWindow {
			failures = failures[1:]
		}
		if len(failures) >= maxFailures {
			return fmt.Errorf("%s failed %d times within %s, giving up: %w",
				s.name, len(failures), failureWindow, err)
		}

		logger.Error(ctx, "component failed, restarting",
			"component", s.name, "recent_failures", len(failures), "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
}
