// Package backoff decides how long to wait before retrying a remote call.
//
// Policy.NextDelay is pure: the same (attempt, kind) always yields the same
// Decision. Run-wide state lives in Budget, which callers consult separately.
package backoff

import (
	"fmt"
	"sync/atomic"
	"time"

	"framelabel/internal/core"
)

const (
	DefaultBase              = 2 * time.Second
	DefaultMax               = 10 * time.Second
	DefaultMaxAttempts       = 3
	DefaultMalformedAttempts = 2
)

// Policy is a linear backoff schedule: delay = Base*attempt, capped at Max.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	// MalformedAttempts bounds attempts for malformed responses. It is never
	// allowed to exceed MaxAttempts.
	MalformedAttempts int
}

// Decision is the outcome of NextDelay.
type Decision struct {
	Delay  time.Duration
	GiveUp bool
}

func DefaultPolicy() Policy {
	return Policy{
		Base:              DefaultBase,
		Max:               DefaultMax,
		MaxAttempts:       DefaultMaxAttempts,
		MalformedAttempts: DefaultMalformedAttempts,
	}
}

func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("base delay must be > 0")
	}
	if p.Max < p.Base {
		return fmt.Errorf("max delay %s must be >= base delay %s", p.Max, p.Base)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0")
	}
	if p.MalformedAttempts < 0 {
		return fmt.Errorf("malformed attempts must be >= 0")
	}
	return nil
}

// AttemptLimit is the total number of attempts allowed for kind, including
// the first one. Non-retryable kinds get exactly one.
func (p Policy) AttemptLimit(kind core.FailureKind) int {
	if !kind.Retryable() {
		return 1
	}
	limit := p.MaxAttempts
	if kind == core.KindMalformed && p.MalformedAttempts > 0 && p.MalformedAttempts < limit {
		limit = p.MalformedAttempts
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// NextDelay is called after attempt number `attempt` (1-based) failed with
// kind. It returns the wait before the next attempt, or GiveUp.
func (p Policy) NextDelay(attempt int, kind core.FailureKind) Decision {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= p.AttemptLimit(kind) {
		return Decision{GiveUp: true}
	}
	d := p.Base * time.Duration(attempt)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return Decision{Delay: d}
}

// WithHint raises d to the server-provided hint, still capped at Max.
func (p Policy) WithHint(d Decision, hint time.Duration) Decision {
	if d.GiveUp || hint <= d.Delay {
		return d
	}
	if p.Max > 0 && hint > p.Max {
		hint = p.Max
	}
	if hint > d.Delay {
		d.Delay = hint
	}
	return d
}

// Budget caps retries across a whole run. A nil or zero-limit Budget is
// unlimited. Safe for concurrent use.
type Budget struct {
	limit int64
	used  atomic.Int64
}

func NewBudget(limit int) *Budget {
	return &Budget{limit: int64(limit)}
}

// Take consumes one retry. It returns false once the budget is exhausted.
func (b *Budget) Take() bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	for {
		cur := b.used.Load()
		if cur >= b.limit {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (b *Budget) Used() int {
	if b == nil {
		return 0
	}
	return int(b.used.Load())
}
