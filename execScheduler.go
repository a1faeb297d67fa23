package simcmd_server

import (
	"context"
	"fmt"
	"sync"

	"github.com/jimsnab/go-lane"
)

type (
	ownerKey struct{}

	// pendingExecution is one queued command. done has capacity 1 and is
	// written exactly once, by the owner loop or by Close.
	pendingExecution struct {
		h    Handler
		args []string
		done chan Result
	}

	// execScheduler hands commands from any goroutine to the single owner
	// goroutine that is allowed to touch simulation state.
	//
	// Submissions from other goroutines run in arrival order. A submission
	// made with an owner-marked context runs immediately, so it is not
	// ordered relative to commands already waiting in the queue.
	execScheduler struct {
		l       lane.Lane
		mu      sync.Mutex
		queue   []*pendingExecution
		stopped bool
		wake    chan struct{}
		metrics *serverMetrics
	}
)

func newExecScheduler(l lane.Lane, metrics *serverMetrics) *execScheduler {
	return &execScheduler{
		l:       l,
		wake:    make(chan struct{}, 1),
		metrics: metrics,
	}
}

// OwnerContext marks ctx as belonging to the owner goroutine of this scheduler.
func (es *execScheduler) OwnerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, es)
}

func (es *execScheduler) IsOwner(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*execScheduler)
	return owner == es
}

// Wake is signalled whenever a command is queued.
func (es *execScheduler) Wake() <-chan struct{} {
	return es.wake
}

// Submit runs h with args on the owner goroutine and returns its result.
// From a non-owner goroutine the call blocks until the owner loop has run
// the command; there is no timeout.
func (es *execScheduler) Submit(ctx context.Context, h Handler, args []string) Result {
	if es.IsOwner(ctx) {
		return es.run(ctx, h, args)
	}

	pe := &pendingExecution{
		h:    h,
		args: args,
		done: make(chan Result, 1),
	}

	es.mu.Lock()
	if es.stopped {
		es.mu.Unlock()
		return FailureFromErr(ErrSchedulerStopped)
	}
	es.queue = append(es.queue, pe)
	depth := len(es.queue)
	es.mu.Unlock()

	es.metrics.setQueueDepth(depth)

	select {
	case es.wake <- struct{}{}:
	default:
	}

	return <-pe.done
}

// Tick drains the queue in FIFO order on the calling (owner) goroutine.
// Commands queued while the batch runs wait for the next tick.
func (es *execScheduler) Tick(ctx context.Context) int {
	es.mu.Lock()
	batch := es.queue
	es.queue = nil
	es.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	ownerCtx := es.OwnerContext(ctx)
	for _, pe := range batch {
		pe.done <- es.run(ownerCtx, pe.h, pe.args)
	}

	es.metrics.setQueueDepth(es.Pending())

	return len(batch)
}

// Pending reports the number of queued commands.
func (es *execScheduler) Pending() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.queue)
}

// Close is called once the owner loop has stopped. Queued and future
// non-owner submissions complete with ErrSchedulerStopped.
func (es *execScheduler) Close() {
	es.mu.Lock()
	es.stopped = true
	batch := es.queue
	es.queue = nil
	es.mu.Unlock()

	es.metrics.setQueueDepth(0)

	for _, pe := range batch {
		pe.done <- FailureFromErr(ErrSchedulerStopped)
	}
}

func (es *execScheduler) run(ctx context.Context, h Handler, args []string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			es.l.Errorf("handler panic: %v", r)
			res = FailureFromErr(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()

	return h(ctx, args)
}
