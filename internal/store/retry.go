// =============================================================================
// RETRY COMBINATORS
// =============================================================================
//
// Two kinds of retry live here, matching the two recoverable error classes:
//
//   TRANSIENT (connection loss, backend unavailable)
//     RetryOnConnLoss: repeat the same call with a fixed pause until it
//     succeeds, the attempts run out, or the session is gone.
//
//   CONSISTENCY CONFLICT (someone else wrote between our read and write)
//     UpdateWithRetry: read → apply → compare-and-set write; on
//     ErrBadVersion re-read and re-apply. Bounded by attempts.
//
//       ┌──────┐    ┌───────┐    ┌──────────────┐   ok   ┌──────┐
//       │ read │───►│ apply │───►│ CAS(version) │───────►│ done │
//       └──▲───┘    └───────┘    └──────┬───────┘        └──────┘
//          │        ErrBadVersion       │
//          └────────────────────────────┘
//
// =============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultRetryAttempts bounds both retry loops when callers pass 0.
const DefaultRetryAttempts = 10

// ErrNoChange is returned by an UpdateFunc to signal that the current
// document is already in the desired state and no write is needed.
var ErrNoChange = errors.New("store: no change")

// ErrRetriesExhausted wraps the last conflict once attempts run out.
var ErrRetriesExhausted = errors.New("store: retries exhausted")

// IsTransient reports whether err is worth retrying on the same session.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLoss) {
		return true
	}
	switch status.Code(errors.Unwrap(err)) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// IsSessionExpired reports whether err means the session is gone.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// RetryOnConnLoss runs fn until it returns a non-transient result.
func RetryOnConnLoss[T any](ctx context.Context, attempts int, pause time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	var (
		result T
		err    error
	)
	for i := 0; i < attempts; i++ {
		result, err = fn(ctx)
		if !IsTransient(err) {
			return result, err
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(pause * time.Duration(i+1)):
		}
	}
	return result, err
}

// UpdateFunc computes the new document from the current one. exists is
// false when the node is missing (current is nil). Returning ErrNoChange
// skips the write.
type UpdateFunc func(current []byte, stat Stat, exists bool) ([]byte, error)

// UpdateWithRetry is the optimistic-concurrency read-modify-write loop used
// by every writer of versioned documents. A missing node is created.
func UpdateWithRetry(ctx context.Context, s Store, path string, attempts int, fn UpdateFunc) (Stat, error) {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Stat{}, err
		}

		current, stat, err := s.Get(ctx, path)
		exists := true
		if errors.Is(err, ErrNoNode) {
			exists = false
			current, stat = nil, Stat{}
		} else if err != nil {
			if IsTransient(err) {
				lastErr = err
				continue
			}
			return Stat{}, err
		}

		next, err := fn(current, stat, exists)
		if errors.Is(err, ErrNoChange) {
			return stat, nil
		}
		if err != nil {
			return Stat{}, err
		}

		if !exists {
			if _, err := s.Create(ctx, path, next, Persistent); err != nil {
				if errors.Is(err, ErrNodeExists) || IsTransient(err) {
					lastErr = err
					continue
				}
				return Stat{}, err
			}
			_, created, err := s.Get(ctx, path)
			return created, err
		}

		newStat, err := s.Set(ctx, path, next, stat.Version)
		if err == nil {
			return newStat, nil
		}
		if errors.Is(err, ErrBadVersion) || errors.Is(err, ErrNoNode) || IsTransient(err) {
			lastErr = err
			continue
		}
		return Stat{}, err
	}
	return Stat{}, fmt.Errorf("%w: update %s after %d attempts: %v", ErrRetriesExhausted, path, attempts, lastErr)
}
