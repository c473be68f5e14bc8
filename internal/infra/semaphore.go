package infra

import (
	"context"
	"errors"
	"sync"
)

// ErrResourceExhausted is returned when a bulkhead slot cannot be acquired
// within the caller's deadline.
var ErrResourceExhausted = errors.New("resource exhausted")

// Semaphore is a bounded-concurrency gate (bulkhead) for one endpoint
// class. Acquisition blocks up to the context deadline.
type Semaphore struct {
	slots chan struct{}

	mu       sync.Mutex
	acquired int64
	timedOut int64
}

// NewSemaphore creates a semaphore admitting up to max concurrent holders.
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = 1
	}
	return &Semaphore{slots: make(chan struct{}, max)}
}

// Acquire takes one slot, blocking until one frees up or the context ends.
// On context expiry it returns ErrResourceExhausted.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		s.mu.Lock()
		s.acquired++
		s.mu.Unlock()
		return nil
	default:
	}

	select {
	case s.slots <- struct{}{}:
		s.mu.Lock()
		s.acquired++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.timedOut++
		s.mu.Unlock()
		return ErrResourceExhausted
	}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		s.mu.Lock()
		s.acquired++
		s.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees one slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return cap(s.slots) - len(s.slots)
}

// Stats returns a snapshot of the semaphore.
func (s *Semaphore) Stats() SemaphoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SemaphoreStats{
		Max:       cap(s.slots),
		InUse:     len(s.slots),
		Available: cap(s.slots) - len(s.slots),
		Acquired:  s.acquired,
		TimedOut:  s.timedOut,
	}
}

// SemaphoreStats contains statistics about a semaphore.
type SemaphoreStats struct {
	Max       int
	InUse     int
	Available int
	Acquired  int64
	TimedOut  int64
}

// SemaphorePool manages named bulkheads for endpoint classes.
type SemaphorePool struct {
	mu         sync.RWMutex
	semaphores map[string]*Semaphore
	defaultMax int
}

// NewSemaphorePool creates a pool whose unnamed classes get defaultMax
// concurrent slots.
func NewSemaphorePool(defaultMax int) *SemaphorePool {
	if defaultMax <= 0 {
		defaultMax = 8
	}
	return &SemaphorePool{
		semaphores: make(map[string]*Semaphore),
		defaultMax: defaultMax,
	}
}

// Get returns the semaphore for a class, creating it at the default size.
func (p *SemaphorePool) Get(class string) *Semaphore {
	p.mu.RLock()
	sem, ok := p.semaphores[class]
	p.mu.RUnlock()
	if ok {
		return sem
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sem, ok := p.semaphores[class]; ok {
		return sem
	}
	sem = NewSemaphore(p.defaultMax)
	p.semaphores[class] = sem
	return sem
}

// Configure sets the size for a class before first use. A class that
// already exists keeps its current size.
func (p *SemaphorePool) Configure(class string, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.semaphores[class]; ok {
		return
	}
	p.semaphores[class] = NewSemaphore(max)
}

// Stats returns statistics for every class.
func (p *SemaphorePool) Stats() map[string]SemaphoreStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := make(map[string]SemaphoreStats, len(p.semaphores))
	for class, sem := range p.semaphores {
		stats[class] = sem.Stats()
	}
	return stats
}
