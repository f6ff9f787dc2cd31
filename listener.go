package queue

import (
	"context"
)

// Handler processes the jobs of one JobName.
type Handler interface {
	// Process runs the job. Returning an error fails the attempt; wrap it
	// with Permanent to skip the remaining attempts. report may be called
	// any number of times to publish progress.
	Process(ctx context.Context, job *Job, report ProgressFunc) error
}

// ProgressFunc publishes the progress of a job as a percentage.
type ProgressFunc func(ctx context.Context, percent int)

// HandlerFunc is a Handler implemented with a callback.
type HandlerFunc func(ctx context.Context, job *Job, report ProgressFunc) error

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, job *Job, report ProgressFunc) error {
	return f(ctx, job, report)
}

// Listen creates a functional listener in one line.
func Listen(events []Event, callback func(ctx context.Context, event Event, payload EventPayload) error) ListenFunc {
	return ListenFunc{
		Events:   events,
		callback: callback,
	}
}

// ListenFunc is a listener implemented with a callback.
type ListenFunc struct {
	Events   []Event
	callback func(ctx context.Context, event Event, payload EventPayload) error
}

// Listen implements Listener.
func (f ListenFunc) Listen() []Event {
	return f.Events
}

// Process implements Listener.
func (f ListenFunc) Process(ctx context.Context, event Event, payload EventPayload) error {
	return f.callback(ctx, event, payload)
}
