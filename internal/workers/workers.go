// Package workers implements the single-consumer worker-lifecycle primitive
// shared by every service goroutine in the tunnel core (network I/O,
// packet muxer, reliability layer, data channel, TLS session). A single
// [Manager] is created per session and passed down to every StartWorkers
// call; any worker can request a shutdown, and every worker observes the
// same ShouldShutdown channel, so a single failure drains the whole pipeline
// instead of leaving goroutines blocked on a channel nobody reads anymore.
package workers

import (
	"errors"
	"sync"

	"github.com/driftline/vpncore/internal/model"
)

// ErrShutdown is returned by blocking operations to signal that the worker
// should unwind because a shutdown has been requested.
var ErrShutdown = errors.New("workers: shutting down")

// Manager coordinates the lifecycle of a set of long-running goroutines
// ("workers") cooperating over shared channels. The zero value is invalid;
// use [NewManager].
type Manager struct {
	logger   model.Logger
	mu       sync.Mutex
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewManager creates a [Manager] that logs worker lifecycle events through logger.
func NewManager(logger model.Logger) *Manager {
	return &Manager{
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// StartWorker runs fn in its own goroutine, tracked by the manager's
// WaitGroup so that [Manager.WaitWorkersShutdown] can block until every
// worker has returned.
func (mg *Manager) StartWorker(fn func()) {
	mg.wg.Add(1)
	go func() {
		defer mg.wg.Done()
		fn()
	}()
}

// OnWorkerDone logs that the named worker has returned. Workers call this
// themselves, typically from a deferred statement, right before calling
// [Manager.StartShutdown] so that a single worker's exit reliably drains
// the rest of the pipeline.
func (mg *Manager) OnWorkerDone(name string) {
	mg.logger.Debugf("workers: %s: done", name)
}

// StartShutdown requests that every worker still running observe
// [Manager.ShouldShutdown] and return. It is idempotent and safe to call
// from multiple workers concurrently or more than once.
func (mg *Manager) StartShutdown() {
	mg.once.Do(func() {
		close(mg.shutdown)
	})
}

// ShouldShutdown returns a channel that is closed once [Manager.StartShutdown]
// has been called. Every blocking select in a worker includes a case on
// this channel so that shutdown is observed promptly regardless of what the
// worker happens to be waiting on.
func (mg *Manager) ShouldShutdown() <-chan struct{} {
	return mg.shutdown
}

// WaitWorkersShutdown blocks until every worker started with [Manager.StartWorker]
// has returned. Callers typically call [Manager.StartShutdown] first.
func (mg *Manager) WaitWorkersShutdown() {
	mg.wg.Wait()
}
