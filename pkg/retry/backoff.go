// Package retry computes deterministic exponential backoff schedules and runs
// bounded retry loops against them.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params seeds the deterministic jitter for one operation.
type Params struct {
	PolicyID string
	// Key identifies the operation being retried, e.g. a ledger idempotency key.
	Key     string
	Attempt int
}

type Policy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used for ledger anchoring.
func DefaultPolicy() Policy {
	return Policy{
		PolicyID:    "ledger-anchor",
		BaseMs:      100,
		MaxMs:       5000,
		MaxJitterMs: 50,
		MaxAttempts: 5,
	}
}

// Backoff returns the delay before the given attempt using deterministic jitter.
// Attempt 0 is the first try and has no delay.
func Backoff(params Params, policy Policy) time.Duration {
	if params.Attempt <= 0 {
		return 0
	}

	// delay = base * 2^(attempt-1), capped
	shift := params.Attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := policy.BaseMs << shift
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+Jitter(params, policy)) * time.Millisecond
}

// Jitter is a PRF of the params, bounded by MaxJitterMs.
func Jitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.PolicyID, params.Key, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delay before each attempt.
func Schedule(params Params, policy Policy) []time.Duration {
	out := make([]time.Duration, policy.MaxAttempts)
	for i := range out {
		p := params
		p.Attempt = i
		out[i] = Backoff(p, policy)
	}
	return out
}
