package registry

import (
	"context"
	"sync"
)

// Guard is told when unsaved work starts and when the last of it ends.
type Guard interface {
	Engage()
	Release()
}

// WorkGuard lets a server wait for in-flight work before shutting down.
type WorkGuard struct {
	mu      sync.Mutex
	engaged bool
	idle    chan struct{}
}

func NewWorkGuard() *WorkGuard {
	idle := make(chan struct{})
	close(idle)
	return &WorkGuard{idle: idle}
}

func (g *WorkGuard) Engage() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engaged {
		return
	}
	g.engaged = true
	g.idle = make(chan struct{})
}

func (g *WorkGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.engaged {
		return
	}
	g.engaged = false
	close(g.idle)
}

// Engaged reports whether work is in flight.
func (g *WorkGuard) Engaged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engaged
}

// Wait blocks until no work is in flight or ctx is done.
func (g *WorkGuard) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		idle := g.idle
		engaged := g.engaged
		g.mu.Unlock()
		if !engaged {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
