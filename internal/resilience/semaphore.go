// Package resilience provides in-process overload protection primitives.
package resilience

import (
	"errors"
	"sync/atomic"
)

// ErrSemaphoreFull is returned when the semaphore is at capacity.
var ErrSemaphoreFull = errors.New("semaphore is full")

// Semaphore is a non-blocking counting semaphore used for the per-node
// in-flight request ceiling. Over-ceiling arrivals are rejected immediately
// rather than queued, so an overloaded node sheds load without touching the
// coordination store.
type Semaphore struct {
	capacity int64
	current  atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: int64(capacity)}
}

// TryAcquire attempts to acquire a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	if s.current.Add(1) > s.capacity {
		s.current.Add(-1)
		return false
	}
	return true
}

// Release returns a permit.
func (s *Semaphore) Release() {
	for {
		cur := s.current.Load()
		if cur <= 0 {
			return
		}
		if s.current.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Current returns the number of acquired permits.
func (s *Semaphore) Current() int {
	return int(s.current.Load())
}

// Capacity returns the semaphore capacity.
func (s *Semaphore) Capacity() int {
	return int(s.capacity)
}
