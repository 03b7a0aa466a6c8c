// ABOUTME: Remote task transport contract plus an in-process worker pool and an HTTP delegate transport.
// ABOUTME: Results come back through a completion callback keyed by correlation id, never as a Dispatch return.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/2389-research/tusk/execution"
	"github.com/2389-research/tusk/facilitator"
)

// ErrTransport marks a failure to hand work to the delegate.
var ErrTransport = errors.New("transport error")

// Transport sends a task payload to whoever will run it.
type Transport interface {
	Dispatch(ctx context.Context, payload json.RawMessage, correlationID string) error
}

// Canceler is implemented by transports that can withdraw dispatched work.
type Canceler interface {
	Cancel(ctx context.Context, correlationID string) error
}

// CompletionFunc reports a finished task. Engine.OnExternalCompletion fits.
type CompletionFunc func(ctx context.Context, correlationID string, payload json.RawMessage) error

// Worker runs one task payload and returns its outputs.
type Worker func(ctx context.Context, payload json.RawMessage) (map[string]any, error)

type job struct {
	correlationID string
	payload       json.RawMessage
}

// Local runs dispatched tasks on a fixed pool of goroutines in this process.
type Local struct {
	workers int
	run     Worker

	mu        sync.Mutex
	sendMu    sync.RWMutex // guards sends against close(queue)
	queue     chan job
	complete  CompletionFunc
	cancelled map[string]bool
	started   bool
	closed    bool
	wg        sync.WaitGroup
}

// NewLocal creates a pool of workers goroutines running fn. Call Start before dispatching.
func NewLocal(workers int, fn Worker) *Local {
	if workers <= 0 {
		workers = 1
	}
	return &Local{
		workers:   workers,
		run:       fn,
		queue:     make(chan job, workers*16),
		cancelled: make(map[string]bool),
	}
}

// Start launches the workers. Completed tasks are reported through complete.
func (l *Local) Start(ctx context.Context, complete CompletionFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.complete = complete
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.loop(ctx)
	}
}

// Dispatch queues payload. It fails if the pool is not running or ctx ends first.
func (l *Local) Dispatch(ctx context.Context, payload json.RawMessage, correlationID string) error {
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	l.mu.Lock()
	running := l.started && !l.closed
	l.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: local transport is not running", ErrTransport)
	}

	select {
	case l.queue <- job{correlationID: correlationID, payload: payload}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: dispatch %s: %v", ErrTransport, correlationID, ctx.Err())
	}
}

// Cancel drops a queued task. A task already running still reports.
func (l *Local) Cancel(_ context.Context, correlationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled[correlationID] = true
	return nil
}

// Stop closes the queue and waits for in-flight tasks.
func (l *Local) Stop() {
	l.sendMu.Lock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.sendMu.Unlock()
		return
	}
	l.closed = true
	started := l.started
	close(l.queue)
	l.mu.Unlock()
	l.sendMu.Unlock()
	if started {
		l.wg.Wait()
	}
}

func (l *Local) loop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-l.queue:
			if !ok {
				return
			}
			l.handle(ctx, j)
		}
	}
}

func (l *Local) handle(ctx context.Context, j job) {
	l.mu.Lock()
	skip := l.cancelled[j.correlationID]
	delete(l.cancelled, j.correlationID)
	complete := l.complete
	l.mu.Unlock()
	if skip {
		log.Printf("component=transport action=skip_cancelled correlation_id=%s", j.correlationID)
		return
	}

	result := l.execute(ctx, j)
	payload, err := json.Marshal(result)
	if err != nil {
		log.Printf("component=transport action=encode_result correlation_id=%s err=%v", j.correlationID, err)
		return
	}
	if err := complete(ctx, j.correlationID, payload); err != nil {
		log.Printf("component=transport action=complete correlation_id=%s err=%v", j.correlationID, err)
	}
}

func (l *Local) execute(ctx context.Context, j job) (res facilitator.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = facilitator.Result{
				Status:  execution.StatusErrored,
				Failure: execution.Failure(execution.KindStepError, "task panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()
	outputs, err := l.run(ctx, j.payload)
	if err != nil {
		return facilitator.Result{Status: execution.StatusFailed, Failure: execution.Failure(execution.KindStepFailure, "%s", err.Error())}
	}
	return facilitator.Succeeded(outputs)
}
