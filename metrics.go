package queue

import (
	"context"

	"github.com/go-kit/kit/metrics"
)

// Metrics is a Listener that counts finished attempts and observes how long
// handlers run. Both collectors must accept the labels "queue", "job" and
// "status".
type Metrics struct {
	Attempts metrics.Counter
	Duration metrics.Histogram
}

// Listen implements Listener.
func (m *Metrics) Listen() []Event {
	return []Event{EventCompleted, EventRetrying, EventFailed}
}

// Process implements Listener.
func (m *Metrics) Process(_ context.Context, event Event, payload EventPayload) error {
	labels := []string{
		"queue", payload.Job.Queue,
		"job", payload.Job.Name.String(),
		"status", string(event),
	}
	if m.Attempts != nil {
		m.Attempts.With(labels...).Add(1)
	}
	if m.Duration != nil {
		m.Duration.With(labels...).Observe(payload.Elapsed.Seconds())
	}
	return nil
}
