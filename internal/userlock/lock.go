// Package userlock serializes all mutating work for a single user.
// Sync runs and token refreshes share one lock domain so they can never
// race each other; work for different users proceeds in parallel.
package userlock

import (
	"context"
	"sync"
)

// Locker executes fn while holding a mutual-exclusion lease for userID.
type Locker interface {
	WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedLocker is the in-process Locker: one mutex per active user,
// reference counted so idle entries do not accumulate.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewKeyedLocker creates an in-memory per-user locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*lockEntry)}
}

// WithUserLock runs fn under the user's mutex, releasing it on return.
func (l *KeyedLocker) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	entry := l.acquireEntry(userID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		l.releaseEntry(userID)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (l *KeyedLocker) acquireEntry(userID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[userID]
	if !ok {
		entry = &lockEntry{}
		l.entries[userID] = entry
	}
	entry.refs++
	return entry
}

func (l *KeyedLocker) releaseEntry(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[userID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, userID)
	}
}
