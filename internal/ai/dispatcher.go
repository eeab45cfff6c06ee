package ai

import (
	"context"
	"sync"
)

// Dispatcher runs dispatch tasks detached from the request that created them.
type Dispatcher interface {
	Go(task func(ctx context.Context))
}

// AsyncDispatcher runs each task in its own goroutine. Tasks share a base
// context that is only canceled when Wait gives up.
type AsyncDispatcher struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewAsyncDispatcher() *AsyncDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncDispatcher{ctx: ctx, cancel: cancel}
}

func (d *AsyncDispatcher) Go(task func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		task(d.ctx)
	}()
}

// Wait blocks until every task has returned. If ctx ends first, in-flight
// tasks are canceled and Wait still waits for them to record their outcome.
func (d *AsyncDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// InlineDispatcher runs tasks on the caller's goroutine, so a dispatch has
// finished by the time Ingest returns.
type InlineDispatcher struct{}

func (InlineDispatcher) Go(task func(ctx context.Context)) {
	task(context.Background())
}
