// Package loop owns the coordinator's single command-processing goroutine.
// Every RPC handler and every background timer callback that needs to touch
// agent or job state submits a closure here instead of taking a lock; the
// goroutine runs closures one at a time, so nothing inside
// internal/coordinator/domain or internal/coordinator/app/placement ever
// needs to be concurrency-safe on its own. This generalizes the
// command-queue discipline this repository already used for its worker
// registry cache, applied here to every piece of coordinator state rather
// than just a read-through cache.
package loop

import (
	"context"
	"time"

	"github.com/gridflow/coordinator/internal/coordinator/app/liveness"
	"github.com/gridflow/coordinator/internal/coordinator/app/placement"
	"github.com/gridflow/coordinator/pkg/logger"
)

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Loop is the coordinator's single-threaded actor. Engine is exported so
// callers can build commands with direct access to its typed methods
// without this package having to re-declare every RPC as a wrapper.
type Loop struct {
	Engine *placement.Engine

	liveness   *liveness.Tracker
	sweepEvery time.Duration

	commands chan command
	stop     chan struct{}
	stopped  chan struct{}
	log      logger.Logger
}

// New builds a Loop. It does not start the goroutine; call Run for that.
func New(engine *placement.Engine, liv *liveness.Tracker, sweepEvery time.Duration, log logger.Logger) *Loop {
	if log == nil {
		log = logger.NewNop()
	}
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Second
	}
	return &Loop{
		Engine:     engine,
		liveness:   liv,
		sweepEvery: sweepEvery,
		commands:   make(chan command),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		log:        log,
	}
}

// Run processes commands and liveness sweeps until ctx is cancelled or Stop
// is called. Intended to be launched with `go loop.Run(ctx)` from
// cmd/coordinator/main.go.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopped)
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case cmd := <-l.commands:
			cmd.fn(ctx)
			close(cmd.done)
		case now := <-ticker.C:
			if l.liveness != nil {
				l.liveness.Sweep(ctx, now)
			}
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.stopped
}

// Submit runs fn on the loop goroutine and blocks until it has completed.
// Every RPC handler touching coordinator state goes through this — it's the
// only supported way to reach into the Engine from another goroutine.
func (l *Loop) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
