// Package lock provides cluster-wide mutual exclusion through time-bounded
// leases held in a shared store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/agent-relay/internal/metrics"
)

// ErrLockContended is returned when the lease could not be acquired within
// the retry budget. It is an expected outcome, not a failure of the store.
var ErrLockContended = errors.New("lock contended")

// ErrInvalidLease is returned for a non-positive lease. Every lease must
// expire so a crashed holder cannot keep a key locked.
var ErrInvalidLease = errors.New("lease must be positive")

// Store holds leases. Acquire must be an atomic set-if-absent with expiry and
// Release an atomic compare-and-delete on the holder token.
type Store interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// RetryPolicy controls how long WithLock keeps trying a held key.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy waits up to roughly ten seconds in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  30,
		InitialDelay: 20 * time.Millisecond,
		Multiplier:   1.5,
		MaxDelay:     500 * time.Millisecond,
	}
}

// NextDelay returns InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

type Locker struct {
	store  Store
	policy RetryPolicy
	logger *slog.Logger
}

func NewLocker(store Store, policy RetryPolicy, logger *slog.Logger) *Locker {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{store: store, policy: policy, logger: logger}
}

// WithLock runs work while holding an exclusive lease on key. The lease
// expires after lease even if work is still running, so lease must exceed
// the expected duration of work.
func (l *Locker) WithLock(ctx context.Context, key string, lease time.Duration, work func(ctx context.Context) error) error {
	if lease <= 0 {
		return fmt.Errorf("lock %s: %w: %v", key, ErrInvalidLease, lease)
	}
	token := uuid.NewString()
	if err := l.acquire(ctx, key, token, lease); err != nil {
		return err
	}
	defer l.release(ctx, key, token)
	return work(ctx)
}

// Do is WithLock for work that returns a value.
func Do[T any](ctx context.Context, l *Locker, key string, lease time.Duration, work func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.WithLock(ctx, key, lease, func(ctx context.Context) error {
		var err error
		out, err = work(ctx)
		return err
	})
	return out, err
}

func (l *Locker) acquire(ctx context.Context, key, token string, lease time.Duration) error {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		ok, err := l.store.Acquire(ctx, key, token, lease)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			metrics.LockWait.Observe(time.Since(start).Seconds())
			return nil
		}
		if attempt >= l.policy.MaxAttempts {
			metrics.LockAcquisitions.WithLabelValues("contended").Inc()
			return fmt.Errorf("%w: %s after %d attempts", ErrLockContended, key, attempt)
		}
		t := time.NewTimer(l.policy.NextDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Locker) release(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ok, err := l.store.Release(ctx, key, token)
	if err != nil {
		l.logger.Warn("lock: release failed", "key", key, "err", err)
		return
	}
	if !ok {
		l.logger.Warn("lock: lease expired before release", "key", key)
	}
}
