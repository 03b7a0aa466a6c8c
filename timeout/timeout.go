// ABOUTME: Timeout engine: a single scheduler goroutine over a min-heap of deadlines.
// ABOUTME: Fired and cancelled instances are discarded; the handler re-checks execution state before acting.
package timeout

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/2389-research/tusk/ids"
)

// Kind identifies what a fired timeout means to the engine.
type Kind string

const (
	KindExpiry       Kind = "EXPIRY"
	KindIntervention Kind = "INTERVENTION"
	KindRetryDelay   Kind = "RETRY_DELAY"
)

// Event is delivered to the handler when an instance fires.
type Event struct {
	Kind        Kind   `json:"kind"`
	ExecutionID string `json:"execution_id"`
}

// Instance is one registered deadline.
type Instance struct {
	ID               string
	Deadline         time.Time
	OwnerExecutionID string
	Event            Event

	index int
}

// Handler receives fired instances on the scheduler goroutine. It must not block.
type Handler func(Instance)

// Engine schedules deadlines. The zero value is not usable; call New.
type Engine struct {
	handler Handler

	mu      sync.Mutex
	queue   instanceHeap
	byID    map[string]*Instance
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates an engine that delivers fired instances to handler.
func New(handler Handler) *Engine {
	return &Engine{
		handler: handler,
		byID:    make(map[string]*Instance),
		wake:    make(chan struct{}, 1),
	}
}

// Register schedules event for owner at deadline and returns the instance id.
// Deadlines in the past fire on the next scheduler pass.
func (e *Engine) Register(owner string, deadline time.Time, event Event) string {
	inst := &Instance{ID: ids.New(), Deadline: deadline, OwnerExecutionID: owner, Event: event}
	e.mu.Lock()
	heap.Push(&e.queue, inst)
	e.byID[inst.ID] = inst
	e.mu.Unlock()
	e.poke()
	return inst.ID
}

// Cancel removes a pending instance. It reports whether the instance was still pending.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.byID[id]
	if !ok {
		return false
	}
	e.remove(inst)
	return true
}

// CancelOwner removes every pending instance owned by an execution and
// returns how many were removed.
func (e *Engine) CancelOwner(owner string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var victims []*Instance
	for _, inst := range e.byID {
		if inst.OwnerExecutionID == owner {
			victims = append(victims, inst)
		}
	}
	for _, inst := range victims {
		e.remove(inst)
	}
	return len(victims)
}

// Pending returns the number of scheduled instances.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}

// Start launches the scheduler goroutine. It stops when ctx is cancelled or
// Stop is called. Calling Start on a running engine does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.loop(ctx)
	}()
}

// Stop halts the scheduler and waits for it to exit. Pending instances are kept.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.running = false
	e.mu.Unlock()
	cancel()
	<-done
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		fired, next, ok := e.expired(time.Now())
		for _, inst := range fired {
			e.handler(inst)
		}

		if ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
		}
	}
}

// expired pops every instance due at now and reports the next deadline.
func (e *Engine) expired(now time.Time) ([]Instance, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fired []Instance
	for len(e.queue) > 0 && !e.queue[0].Deadline.After(now) {
		inst := heap.Pop(&e.queue).(*Instance)
		delete(e.byID, inst.ID)
		fired = append(fired, *inst)
	}
	if len(e.queue) == 0 {
		return fired, time.Time{}, false
	}
	return fired, e.queue[0].Deadline, true
}

func (e *Engine) remove(inst *Instance) {
	heap.Remove(&e.queue, inst.index)
	delete(e.byID, inst.ID)
}

type instanceHeap []*Instance

func (h instanceHeap) Len() int { return len(h) }

func (h instanceHeap) Less(i, j int) bool {
	if h[i].Deadline.Equal(h[j].Deadline) {
		return h[i].ID < h[j].ID
	}
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h instanceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *instanceHeap) Push(x any) {
	inst := x.(*Instance)
	inst.index = len(*h)
	*h = append(*h, inst)
}

func (h *instanceHeap) Pop() any {
	old := *h
	n := len(old)
	inst := old[n-1]
	old[n-1] = nil
	inst.index = -1
	*h = old[:n-1]
	return inst
}
