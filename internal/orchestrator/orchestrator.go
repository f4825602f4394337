// Package orchestrator implements the bounded computation work queue that
// runs protocol-library Advance calls off the Session Manager's event loop.
// Parallelism is sized from the logical core count after
// go.uber.org/automaxprocs adjusts runtime.GOMAXPROCS for any surrounding
// cgroup, and the process refuses to start with zero cores.
package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dwallet-labs/ika-mpc-engine/pkg/protocol"
)

// CompletionChannelSize is the oversized completion channel capacity, sized
// so that worker goroutines never block handing off a result.
const CompletionChannelSize = 10_000

// TaskKey identifies one (session, round, attempt) unit of work;
// Orchestrator deduplicates in-flight spawns on this key.
type TaskKey struct {
	SessionID [32]byte
	Round     uint32
	Attempt   uint32
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%x/r%d/a%d", k.SessionID[:4], k.Round, k.Attempt)
}

// Completion is delivered on the Orchestrator's completion channel once a
// spawned task's protocol.Library.Advance call returns.
type Completion struct {
	Key    TaskKey
	Result protocol.Result
}

// Metrics counts task admissions and outcomes, for operator visibility
// into how saturated the compute pool runs.
type Metrics struct {
	Spawned   uint64
	Completed uint64
	Rejected  uint64
}

// Orchestrator bounds cryptographic-computation concurrency to a fixed
// parallelism.
type Orchestrator struct {
	logger      *zap.Logger
	library     protocol.Library
	parallelism int64
	sem         *semaphore.Weighted
	completions chan Completion

	mu      sync.Mutex
	running map[TaskKey]struct{}
	metrics Metrics
}

// New builds an Orchestrator with the given parallelism (0 means "use
// automaxprocs-adjusted GOMAXPROCS"). It returns an error if the resolved
// parallelism is 0.
func New(logger *zap.Logger, library protocol.Library, parallelism int) (*Orchestrator, error) {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	if parallelism <= 0 {
		return nil, fmt.Errorf("orchestrator: resolved parallelism is 0; refusing to start")
	}
	return &Orchestrator{
		logger:      logger,
		library:     library,
		parallelism: int64(parallelism),
		sem:         semaphore.NewWeighted(int64(parallelism)),
		completions: make(chan Completion, CompletionChannelSize),
		running:     make(map[TaskKey]struct{}),
	}, nil
}

// Completions exposes the channel the Session Manager drains on every tick.
func (o *Orchestrator) Completions() <-chan Completion {
	return o.completions
}

// Parallelism returns the configured concurrency bound.
func (o *Orchestrator) Parallelism() int {
	return int(o.parallelism)
}

// Metrics returns a snapshot of the spawn/completion/rejection counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// TrySpawn spawns req's Advance call under key if and only if (a) no task
// with the same key is already running and (b) a concurrency slot is free.
// It returns true if the task is either newly spawned or was already
// in-flight for this key (the caller need not retry); false only when out
// of capacity.
func (o *Orchestrator) TrySpawn(key TaskKey, req protocol.RequestInput, pending protocol.PendingMessages) bool {
	o.mu.Lock()
	if _, ok := o.running[key]; ok {
		o.mu.Unlock()
		return true
	}
	if !o.sem.TryAcquire(1) {
		o.metrics.Rejected++
		o.mu.Unlock()
		return false
	}
	o.running[key] = struct{}{}
	o.metrics.Spawned++
	o.mu.Unlock()

	go o.run(key, req, pending)
	return true
}

// run executes the library call on a dedicated goroutine. It holds no
// manager locks and is purely CPU-bound: it never suspends.
func (o *Orchestrator) run(key TaskKey, req protocol.RequestInput, pending protocol.PendingMessages) {
	defer o.sem.Release(1)
	defer func() {
		o.mu.Lock()
		delete(o.running, key)
		o.metrics.Completed++
		o.mu.Unlock()
	}()

	result := o.library.Advance(req, pending)

	select {
	case o.completions <- Completion{Key: key, Result: result}:
	default:
		// The channel is sized to never fill in practice; if it
		// somehow does, block rather than drop a result silently.
		o.completions <- Completion{Key: key, Result: result}
	}
}

// Running reports whether a task for key is currently executing.
func (o *Orchestrator) Running(key TaskKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[key]
	return ok
}

// Wait blocks until ctx is done or every in-flight task has completed, for
// orderly shutdown in tests and the demo CLI.
func (o *Orchestrator) Wait(ctx context.Context) error {
	if err := o.sem.Acquire(ctx, o.parallelism); err != nil {
		return err
	}
	o.sem.Release(o.parallelism)
	return nil
}
