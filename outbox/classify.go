package outbox

import (
	"context"
	"time"

	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/remote"
)

// Class is how the queue treats a failed attempt.
type Class int

const (
	// Retryable failures go back to pending with backoff.
	Retryable Class = iota
	// Permanent failures fail the transaction without further attempts.
	Permanent
	// Interrupted attempts were cut short by shutdown and do not count.
	Interrupted
)

func (c Class) String() string {
	switch c {
	case Permanent:
		return "permanent"
	case Interrupted:
		return "interrupted"
	}
	return "retryable"
}

// ClassifyError decides what a remote error means for the transaction.
func ClassifyError(ctx context.Context, err error) Class {
	if ctx.Err() != nil && errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		return Interrupted
	}
	if remote.IsPermanent(err) {
		return Permanent
	}
	return Retryable
}

// Backoff returns base * 2^(retries-1), capped at max when max > 0.
func Backoff(base time.Duration, retries int, max time.Duration) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := base
	for i := 1; i < retries; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
		if d <= 0 {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
