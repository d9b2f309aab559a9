package memo

import (
	"context"
	"sync/atomic"

	"github.com/goforj/memo/table"
	"github.com/google/uuid"
	"go.trai.ch/zerr"
)

// WriteLock is a non-blocking, owner-tokened lock row in a lock table.
//
// Caveat:
//   - Release checks the row's token before removing it, but the check and
//     the removal are two table calls. A lock stolen in between is removed.
//   - A crashed owner leaves its row behind until someone removes it.
type WriteLock struct {
	locks table.Table
	key   string
	token string
	held  atomic.Bool
}

// NewWriteLock returns a lock handle for key with a fresh owner token.
func NewWriteLock(locks table.Table, key string) *WriteLock {
	return NewWriteLockWithToken(locks, key, uuid.NewString())
}

// NewWriteLockWithToken returns a lock handle whose owner token is token.
// Handles sharing a token are the same owner.
func NewWriteLockWithToken(locks table.Table, key, token string) *WriteLock {
	return &WriteLock{locks: locks, key: key, token: token}
}

// Token returns the owner token.
func (l *WriteLock) Token() string { return l.token }

// Held reports whether this handle believes it holds the lock.
func (l *WriteLock) Held() bool { return l.held.Load() }

// Acquire attempts to take the lock once. It returns false without error
// when another owner holds it. Acquiring a lock this owner already holds
// succeeds.
func (l *WriteLock) Acquire(ctx context.Context) (bool, error) {
	existing, inserted, err := l.locks.PutIfAbsent(ctx, l.key, []byte(l.token))
	if err != nil {
		return false, zerr.With(zerr.Wrap(err, "memo: acquire write lock"), "key", l.key)
	}
	if inserted || string(existing) == l.token {
		l.held.Store(true)
		return true, nil
	}
	return false, nil
}

// Owner returns the token of the current holder, if any.
func (l *WriteLock) Owner(ctx context.Context) (string, bool, error) {
	raw, ok, err := l.locks.Get(ctx, l.key)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(raw), true, nil
}

// Release removes the lock row if this handle holds it. It is safe to call
// multiple times.
func (l *WriteLock) Release(ctx context.Context) error {
	if !l.held.Load() {
		return nil
	}
	owner, ok, err := l.Owner(ctx)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "memo: read write lock"), "key", l.key)
	}
	if ok && owner == l.token {
		if err := l.locks.Remove(ctx, l.key); err != nil {
			return zerr.With(zerr.Wrap(err, "memo: release write lock"), "key", l.key)
		}
	}
	l.held.Store(false)
	return nil
}
