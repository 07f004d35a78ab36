package worker

import (
	"context"
	"sync"
)

// Pool manages a fixed number of task slots
type Pool struct {
	mu        sync.Mutex
	maxJobs   int
	available int
	closed    bool
	idle      chan struct{} // closed while no slot is taken
}

// NewPool creates a pool with the given capacity
func NewPool(maxJobs int) *Pool {
	idle := make(chan struct{})
	close(idle)
	return &Pool{maxJobs: maxJobs, available: maxJobs, idle: idle}
}

// Acquire tries to claim a slot. Returns true if successful. A closed pool
// hands out no slots.
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.available <= 0 {
		return false
	}
	if p.available == p.maxJobs {
		p.idle = make(chan struct{})
	}
	p.available--
	return true
}

// Release returns a slot to the pool
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available >= p.maxJobs {
		return
	}
	p.available++
	if p.available == p.maxJobs {
		close(p.idle)
	}
}

// Close stops the pool from handing out slots. Slots already taken are
// released as usual, so Wait after Close returns once the last one is.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Closed reports whether Close was called
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// MaxJobs returns the pool capacity
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}

// Wait blocks until every slot is free or ctx is done
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
