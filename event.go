package queue

import (
	"context"
	"sync"
	"time"
)

// Event is the lifecycle event emitted by the harness.
type Event string

const (
	// EventProgress triggers when a handler reports progress.
	EventProgress Event = "progress"
	// EventCompleted triggers when a job has been acknowledged.
	EventCompleted Event = "completed"
	// EventRetrying triggers when a failed job is going to be retried.
	// Note: if retry attempts are exhausted, this event won't be triggered.
	EventRetrying Event = "retrying"
	// EventFailed triggers when a job reached the terminal failed state,
	// either because its attempts are exhausted or because the failure was
	// permanent.
	EventFailed Event = "failed"
)

// EventPayload is passed to listeners together with the Event.
type EventPayload struct {
	// Job is a snapshot of the job at the time of the event.
	Job *Job
	// Err is the handler error for EventRetrying and EventFailed.
	Err error
	// Delay is the backoff applied before the next attempt, for EventRetrying.
	Delay time.Duration
	// Elapsed is the time spent in the handler.
	Elapsed time.Duration
}

// Listener observes harness events, e.g. for metrics or alerting.
type Listener interface {
	// Listen returns the events the listener is interested in.
	Listen() []Event
	// Process is called synchronously by the harness. Errors are logged and
	// never affect the outcome of the job.
	Process(ctx context.Context, event Event, payload EventPayload) error
}

// SyncDispatcher dispatches events to listeners synchronously.
// SyncDispatcher is safe for concurrent use.
type SyncDispatcher struct {
	registry map[Event][]Listener
	rwLock   sync.RWMutex
}

// Dispatch dispatches events synchronously. If any listener returns an error,
// abort the process immediately and return that error to caller.
func (d *SyncDispatcher) Dispatch(ctx context.Context, event Event, payload EventPayload) error {
	d.rwLock.RLock()
	listeners := d.registry[event]
	d.rwLock.RUnlock()

	for _, listener := range listeners {
		if err := listener.Process(ctx, event, payload); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe subscribes the listener to the dispatcher.
func (d *SyncDispatcher) Subscribe(listener Listener) {
	d.rwLock.Lock()
	defer d.rwLock.Unlock()

	if d.registry == nil {
		d.registry = make(map[Event][]Listener)
	}
	for _, e := range listener.Listen() {
		d.registry[e] = append(d.registry[e], listener)
	}
}
