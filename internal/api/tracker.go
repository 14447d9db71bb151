package api

import (
	"context"
	"errors"
	"sync"
)

// ErrShuttingDown is returned by Tracker.track once Shutdown has started.
var ErrShuttingDown = errors.New("server shutting down")

// Tracker cancels and waits for in-flight sessions on shutdown.
// http.Server.Shutdown does not cover hijacked websocket connections, and a
// streaming HTTP response can outlive the shutdown grace period.
type Tracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewTracker returns a Tracker ready to accept sessions.
func NewTracker() *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{ctx: ctx, cancel: cancel}
}

// track registers a session. The returned context is canceled when parent
// is done or the tracker shuts down; done must be called when the session
// has fully finished, including its store write.
func (t *Tracker) track(parent context.Context) (ctx context.Context, done func(), err error) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	t.wg.Add(1)
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		t.wg.Done()
	}, nil
}

// Cancel stops accepting sessions and cancels the running ones. It is safe
// to call more than once and suits http.Server.RegisterOnShutdown.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.cancel()
}

// Wait blocks until every tracked session has finished or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels running sessions and waits for them.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.Cancel()
	return t.Wait(ctx)
}
