// Package process tracks the lifecycle of the bridge's long-running
// components so shutdown can wait for in-flight work to drain.
package process

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// A ProcessContext is passed to every component that outlives its
// caller. Components register with ComponentStarted and must call
// ComponentFinished when their goroutine exits.
type ProcessContext struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	shutdown context.CancelFunc
}

func NewProcessContext() *ProcessContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessContext{ctx: ctx, shutdown: cancel}
}

// Context is cancelled when shutdown begins.
func (p *ProcessContext) Context() context.Context {
	return p.ctx
}

func (p *ProcessContext) ComponentStarted() {
	p.wg.Add(1)
}

func (p *ProcessContext) ComponentFinished() {
	p.wg.Done()
}

// ShutdownBridge signals every component to stop accepting new work.
func (p *ProcessContext) ShutdownBridge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.ctx.Done():
	default:
		log.Info("Shutdown signalled")
		p.shutdown()
	}
}

// WaitForShutdown returns a channel closed once shutdown is signalled.
func (p *ProcessContext) WaitForShutdown() <-chan struct{} {
	return p.ctx.Done()
}

// WaitForComponentsToFinish blocks until every registered component
// has exited.
func (p *ProcessContext) WaitForComponentsToFinish() {
	p.wg.Wait()
}
