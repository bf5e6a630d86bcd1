package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based): the
// initial delay grown by Multiplier per attempt, capped at MaxDelay, then
// scaled into [0.5, 1.5) when Jitter is set. A nil rng jitters to 0.5.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	growth := math.Max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay) * math.Pow(growth, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	if !cfg.Jitter {
		return time.Duration(delay)
	}
	scale := 0.5
	if rng != nil {
		scale += rng.Float64()
	}
	return time.Duration(delay * scale)
}

// Retry counts consecutive failures of one loop, such as a socket read, and
// paces them with NextBackoffDelay.
type Retry struct {
	cfg     BackoffConfig
	limit   int
	attempt int
	rng     *rand.Rand
}

// NewRetry allows limit consecutive failures; limit <= 0 never gives up.
func NewRetry(cfg BackoffConfig, limit int) *Retry {
	return &Retry{
		cfg:   cfg,
		limit: limit,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Failed records a failure and returns the delay before trying again. It
// reports false once the failure limit is exceeded.
func (r *Retry) Failed() (time.Duration, bool) {
	r.attempt++
	if r.limit > 0 && r.attempt > r.limit {
		return 0, false
	}
	return NextBackoffDelay(r.cfg, r.attempt, r.rng), true
}

// Succeeded clears the failure streak.
func (r *Retry) Succeeded() {
	r.attempt = 0
}

// Attempt is the length of the current failure streak.
func (r *Retry) Attempt() int {
	return r.attempt
}
