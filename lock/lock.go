// Package lock serializes work on a single key across goroutines or
// processes. The renewal scheduler takes one lock per subscription so that
// overlapping runs never extend the same subscription twice.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock: key is held by another owner")

// Unlock releases a lock obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker acquires exclusive, expiring locks. Lock never blocks waiting for
// a held key; it returns ErrLocked instead.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// Local is a Locker for a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocal returns an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Lock(_ context.Context, key string, ttl time.Duration) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.held[key]; ok && expires.After(now) {
		return nil, ErrLocked
	}
	expires := now.Add(ttl)
	l.held[key] = expires

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(expires) {
			delete(l.held, key)
		}
		return nil
	}, nil
}
