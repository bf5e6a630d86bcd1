package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines reliability timing for local endpoints.
type Config struct {
	// HeartbeatPeriod between HEARTBEATs while a reliable reader is behind.
	HeartbeatPeriod time.Duration
	// NackResponseDelay before a writer answers an ACKNACK.
	NackResponseDelay time.Duration
	// HeartbeatResponseDelay before a reader answers a HEARTBEAT.
	HeartbeatResponseDelay time.Duration
	// NackSuppressionDuration ignores repeat requests for a change resent
	// less than this long ago.
	NackSuppressionDuration time.Duration
	// RespondToNonFinalHeartbeat answers a non-final HEARTBEAT even when
	// nothing is missing.
	RespondToNonFinalHeartbeat bool
	// Backoff paces retries after transient socket errors.
	Backoff BackoffConfig
}

// DefaultConfig returns the standard RTPS timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatPeriod:            3 * time.Second,
		NackResponseDelay:          5 * time.Millisecond,
		HeartbeatResponseDelay:     5 * time.Millisecond,
		NackSuppressionDuration:    0,
		RespondToNonFinalHeartbeat: true,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
			Jitter:       true,
		},
	}
}
