// Package poll waits on long-running remote work with bounded exponential backoff.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kevin-nav/sankosides/pkg/logx"
)

// Outcome is the terminal result of a poll.
type Outcome string

const (
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
	Timeout   Outcome = "timeout"
)

// State is what a single check observed.
type State int

const (
	Pending State = iota
	Done
	Errored
)

// Config bounds a poll. Zero fields take defaults.
type Config struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Ceiling     time.Duration
	Factor      float64
	// MaxCheckErrors is how many consecutive check errors are tolerated before failing.
	MaxCheckErrors int
}

// Defaults used when Config fields are zero.
const (
	DefaultInterval       = 10 * time.Second
	DefaultMaxInterval    = 60 * time.Second
	DefaultCeiling        = time.Hour
	DefaultFactor         = 1.5
	DefaultMaxCheckErrors = 3
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.Factor < 1 {
		c.Factor = DefaultFactor
	}
	if c.MaxCheckErrors <= 0 {
		c.MaxCheckErrors = DefaultMaxCheckErrors
	}
	return c
}

// CheckFunc inspects the remote work once. A returned error is a check failure
// (network, decode) and is retried; State Errored means the work itself failed.
type CheckFunc func(ctx context.Context) (State, error)

// Result describes how a poll ended.
type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// ErrWorkFailed is set on Result.Err when the check reported Errored.
var ErrWorkFailed = errors.New("remote work failed")

// Until calls check until it reports Done or Errored, the ceiling elapses, or ctx ends.
// The first check runs immediately; the wait between checks grows by Factor up to MaxInterval.
func Until(ctx context.Context, cfg Config, check CheckFunc) Result {
	cfg = cfg.withDefaults()
	logger := logx.NewLogger("poll")
	start := time.Now()
	deadline := start.Add(cfg.Ceiling)
	wait := cfg.Interval
	checkErrors := 0

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Attempts: attempt - 1, Elapsed: time.Since(start), Err: ctx.Err()}
		}

		state, err := check(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{Outcome: Cancelled, Attempts: attempt, Elapsed: time.Since(start), Err: ctx.Err()}
			}
			checkErrors++
			logger.Warn("Poll check %d failed (%d/%d): %v", attempt, checkErrors, cfg.MaxCheckErrors, err)
			if checkErrors >= cfg.MaxCheckErrors {
				return Result{Outcome: Failed, Attempts: attempt, Elapsed: time.Since(start),
					Err: fmt.Errorf("poll check failed %d times: %w", checkErrors, err)}
			}
		case state == Done:
			return Result{Outcome: Completed, Attempts: attempt, Elapsed: time.Since(start)}
		case state == Errored:
			return Result{Outcome: Failed, Attempts: attempt, Elapsed: time.Since(start), Err: ErrWorkFailed}
		default:
			checkErrors = 0
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Outcome: Timeout, Attempts: attempt, Elapsed: time.Since(start)}
		}
		sleep := min(wait, remaining)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Outcome: Cancelled, Attempts: attempt, Elapsed: time.Since(start), Err: ctx.Err()}
		case <-timer.C:
		}

		wait = min(time.Duration(float64(wait)*cfg.Factor), cfg.MaxInterval)
	}
}
