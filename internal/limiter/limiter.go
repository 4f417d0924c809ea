package limiter

import (
	"context"
	"sync"
)

// Semaphore bounds how many recognition runs execute at once across tasks.
type Semaphore struct {
	slots chan struct{}
}

func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 2
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// is safe to call more than once.
func (s *Semaphore) Acquire(ctx context.Context) (func(), error) {
	select {
	case s.slots <- struct{}{}:
		return s.releaser(), nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// TryAcquire reserves a slot without waiting.
func (s *Semaphore) TryAcquire() (func(), bool) {
	select {
	case s.slots <- struct{}{}:
		return s.releaser(), true
	default:
		return func() {}, false
	}
}

func (s *Semaphore) releaser() func() {
	var once sync.Once
	return func() { once.Do(func() { <-s.slots }) }
}

func (s *Semaphore) InUse() int    { return len(s.slots) }
func (s *Semaphore) Capacity() int { return cap(s.slots) }
