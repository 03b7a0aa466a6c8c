// ABOUTME: Engine lifecycle events and the non-blocking emitter that fans them out to sinks.
// ABOUTME: Emit never blocks the engine; when the buffer is full the event is dropped and counted.
package events

import (
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	PlanStarted           Type = "plan.started"
	PlanFinished          Type = "plan.finished"
	NodeStarted           Type = "node.started"
	NodeStatusChanged     Type = "node.status_changed"
	NodeFinished          Type = "node.finished"
	NodeRetrying          Type = "node.retrying"
	AdviceApplied         Type = "node.advice_applied"
	InterventionRequested Type = "node.intervention_requested"
	TaskDispatched        Type = "task.dispatched"
	RollbackStarted       Type = "rollback.started"
	StaleEvent            Type = "engine.stale_event"
)

// Event is one lifecycle notification.
type Event struct {
	Type            Type           `json:"type"`
	PlanExecutionID string         `json:"plan_execution_id,omitempty"`
	NodeExecutionID string         `json:"node_execution_id,omitempty"`
	PlanNodeID      string         `json:"plan_node_id,omitempty"`
	Status          string         `json:"status,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Sink receives events on the emitter goroutine.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(evt Event) { f(evt) }

// Emitter buffers events and delivers them to every sink in order on a
// single goroutine.
type Emitter struct {
	mu      sync.RWMutex
	ch      chan Event
	sinks   []Sink
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// DefaultBuffer is the emitter queue length used when none is configured.
const DefaultBuffer = 1024

// NewEmitter starts an emitter with the given queue length.
func NewEmitter(buffer int, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	e := &Emitter{
		ch:    make(chan Event, buffer),
		sinks: sinks,
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues evt without blocking. Events emitted after Close, or while
// the queue is full, are dropped.
func (e *Emitter) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.ch <- evt:
	default:
		n := e.dropped.Add(1)
		log.Printf("component=events action=drop type=%s node_execution=%s dropped_total=%d", evt.Type, evt.NodeExecutionID, n)
	}
}

// Dropped returns how many events were discarded.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops accepting events and waits until queued events are delivered.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for evt := range e.ch {
		for _, s := range e.sinks {
			publish(s, evt)
		}
	}
}

func publish(s Sink, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("component=events action=sink_panic type=%s panic=%v\n%s", evt.Type, r, debug.Stack())
		}
	}()
	s.Publish(evt)
}
