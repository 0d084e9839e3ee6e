// Package process provides the process-wide lifecycle context for
// long-running background tasks (in this module, the federation sender's
// destination loops): init on startup, teardown on SIGTERM (spec §9 "Global
// state" process lifecycle).
package process

import (
	"context"
	"sync"
)

// ProcessContext wraps a cancellable context with a WaitGroup so Shutdown
// can block until every registered component has finished, the shape the
// teacher's federationapi/internal/partialstate.go worker takes as a
// constructor argument.
type ProcessContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessContext creates a ProcessContext rooted at context.Background.
func NewProcessContext() *ProcessContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessContext{ctx: ctx, cancel: cancel}
}

// Context returns the context components should select on to observe
// shutdown.
func (p *ProcessContext) Context() context.Context {
	return p.ctx
}

// ComponentStarted registers one more in-flight background task; call
// before entering a component's run loop.
func (p *ProcessContext) ComponentStarted() {
	p.wg.Add(1)
}

// ComponentFinished marks a background task's run loop as returned.
func (p *ProcessContext) ComponentFinished() {
	p.wg.Done()
}

// Shutdown cancels the root context, causing every component's select on
// Context().Done() to unblock. Called once on SIGTERM.
func (p *ProcessContext) Shutdown() {
	p.cancel()
}

// WaitForShutdown blocks until every ComponentStarted has a matching
// ComponentFinished, i.e. every background task has drained its queue
// and returned after Shutdown.
func (p *ProcessContext) WaitForShutdown() {
	p.wg.Wait()
}
