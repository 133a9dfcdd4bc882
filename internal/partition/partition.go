package partition

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// slot is a one-token semaphore shared by every waiter of a user
type slot struct {
	token chan struct{}
	refs  int
}

// Locker serializes work per user. Different users never wait on each other.
type Locker struct {
	slots map[uuid.UUID]*slot
	mu    sync.Mutex
}

// NewLocker creates a new per-user locker
func NewLocker() *Locker {
	return &Locker{
		slots: make(map[uuid.UUID]*slot),
	}
}

// Acquire blocks until the caller owns userID's partition or ctx is done.
// The returned release func must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, userID uuid.UUID) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[userID]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		l.slots[userID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.token
				l.unref(userID, s)
			})
		}, nil
	case <-ctx.Done():
		l.unref(userID, s)
		return nil, ctx.Err()
	}
}

// Do runs fn while holding userID's partition
func (l *Locker) Do(ctx context.Context, userID uuid.UUID, fn func() error) error {
	release, err := l.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (l *Locker) unref(userID uuid.UUID, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, userID)
	}
}

// Len returns the number of users with a holder or waiter
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
