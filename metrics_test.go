package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/stretchr/testify/assert"
)

type observations struct {
	mu     sync.Mutex
	values map[string]float64
}

func (o *observations) add(labels []string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.values == nil {
		o.values = make(map[string]float64)
	}
	o.values[strings.Join(labels, ",")] += v
}

type fakeCounter struct {
	obs    *observations
	labels []string
}

func (f fakeCounter) With(labelValues ...string) metrics.Counter {
	return fakeCounter{obs: f.obs, labels: append(append([]string(nil), f.labels...), labelValues...)}
}

func (f fakeCounter) Add(delta float64) { f.obs.add(f.labels, delta) }

type fakeHistogram struct {
	obs    *observations
	labels []string
}

func (f fakeHistogram) With(labelValues ...string) metrics.Histogram {
	return fakeHistogram{obs: f.obs, labels: append(append([]string(nil), f.labels...), labelValues...)}
}

func (f fakeHistogram) Observe(value float64) { f.obs.add(f.labels, value) }

func TestMetrics_Process(t *testing.T) {
	attempts := &observations{}
	durations := &observations{}
	m := &Metrics{
		Attempts: fakeCounter{obs: attempts},
		Duration: fakeHistogram{obs: durations},
	}
	assert.ElementsMatch(t, []Event{EventCompleted, EventRetrying, EventFailed}, m.Listen())

	job := &Job{Queue: "email", Name: "sendPasswordReset"}
	_ = m.Process(context.Background(), EventRetrying, EventPayload{Job: job, Elapsed: time.Second})
	_ = m.Process(context.Background(), EventCompleted, EventPayload{Job: job, Elapsed: 2 * time.Second})
	_ = m.Process(context.Background(), EventCompleted, EventPayload{Job: job, Elapsed: time.Second})

	assert.Equal(t, 2.0, attempts.values["queue,email,job,sendPasswordReset,status,completed"])
	assert.Equal(t, 1.0, attempts.values["queue,email,job,sendPasswordReset,status,retrying"])
	assert.Equal(t, 3.0, durations.values["queue,email,job,sendPasswordReset,status,completed"])
}

func TestMetrics_nilCollectors(t *testing.T) {
	m := &Metrics{}
	assert.NoError(t, m.Process(context.Background(), EventFailed, EventPayload{Job: &Job{}}))
}
