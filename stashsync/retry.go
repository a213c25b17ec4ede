// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"context"
	"time"
)

// Backoff doubles from Min up to Max
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before the given attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// retryTransient runs fn up to maxAttempts times, sleeping with backoff
// between attempts, as long as it fails with a retryable error.
func retryTransient(ctx context.Context, maxAttempts int, backoff Backoff, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if serr := sleepWithContext(ctx, backoff.Delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
