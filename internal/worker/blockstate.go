package worker

import (
	"crypto/rand"
	"math/big"
	"time"
)

// BlockState is the worker's view of how the store is treating its session.
type BlockState int

const (
	// StateNormal means the last fetch went through.
	StateNormal BlockState = iota
	// StateConsecutiveBlocking means one or more blocks in a row, under the threshold.
	StateConsecutiveBlocking
	// StateCooldown means the session must be discarded and the worker should rest.
	StateCooldown
)

func (s BlockState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateConsecutiveBlocking:
		return "consecutive_blocking"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// BlockTracker counts consecutive soft blocks for one worker.
// It is not safe for concurrent use; each worker owns one.
type BlockTracker struct {
	threshold   int
	consecutive int
	state       BlockState
}

// NewBlockTracker returns a tracker that enters cooldown after threshold
// consecutive blocks.
func NewBlockTracker(threshold int) *BlockTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &BlockTracker{threshold: threshold}
}

// RecordBlock registers a blocked fetch and reports whether a cooldown is due.
func (t *BlockTracker) RecordBlock() bool {
	t.consecutive++
	if t.consecutive >= t.threshold {
		t.state = StateCooldown
		return true
	}
	t.state = StateConsecutiveBlocking
	return false
}

// RecordSuccess clears the block streak. Not-found counts as success.
func (t *BlockTracker) RecordSuccess() {
	t.consecutive = 0
	t.state = StateNormal
}

// CooldownComplete returns the tracker to normal after a session reset.
// The streak is cleared even when reopening the session failed.
func (t *BlockTracker) CooldownComplete() {
	t.consecutive = 0
	t.state = StateNormal
}

// State returns the current state.
func (t *BlockTracker) State() BlockState {
	return t.state
}

// Consecutive returns the current block streak.
func (t *BlockTracker) Consecutive() int {
	return t.consecutive
}

// randomBetween picks a duration in [lo, hi].
func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := big.NewInt(int64(hi-lo) + 1)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return lo + (hi-lo)/2
	}
	return lo + time.Duration(n.Int64())
}
