package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var _ Driver = (*InProcessDriver)(nil)

// InProcessDriver is a Driver that keeps the ledger in memory. Jobs do not
// survive a restart and are not shared between processes; it is meant for
// tests and single process deployments.
type InProcessDriver struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	waiting     []string
	delayed     map[string]time.Time
	reserved    map[string]time.Time
	completed   []string
	failed      []string
	repeatables map[string]Repeatable
	signal      chan struct{}

	visibilityTimeout time.Duration
	popTimeout        time.Duration
	retention         Retention
	now               func() time.Time
}

// InProcessOption configures an InProcessDriver.
type InProcessOption func(*InProcessDriver)

// WithVisibilityTimeout sets how long a lease lasts before the job can be
// leased again.
func WithVisibilityTimeout(timeout time.Duration) InProcessOption {
	return func(d *InProcessDriver) {
		d.visibilityTimeout = timeout
	}
}

// WithPopTimeout sets how long Pop waits for a job before returning ErrEmpty.
func WithPopTimeout(timeout time.Duration) InProcessOption {
	return func(d *InProcessDriver) {
		d.popTimeout = timeout
	}
}

// WithRetention bounds the number of terminal jobs kept.
func WithRetention(retention Retention) InProcessOption {
	return func(d *InProcessDriver) {
		d.retention = retention
	}
}

// NewInProcessDriver creates an empty InProcessDriver.
func NewInProcessDriver(opts ...InProcessOption) *InProcessDriver {
	d := &InProcessDriver{
		jobs:              make(map[string]*Job),
		delayed:           make(map[string]time.Time),
		reserved:          make(map[string]time.Time),
		repeatables:       make(map[string]Repeatable),
		signal:            make(chan struct{}),
		visibilityTimeout: 5 * time.Minute,
		popTimeout:        time.Second,
		now:               time.Now,
	}
	for _, f := range opts {
		f(d)
	}
	return d
}

// Push implements Driver.
func (d *InProcessDriver) Push(ctx context.Context, job *Job, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	stored := job.clone()
	now := d.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if delay > 0 {
		stored.State = StateDelayed
		stored.ScheduledAt = now.Add(delay)
		d.delayed[stored.ID] = stored.ScheduledAt
	} else {
		stored.State = StateWaiting
		d.waiting = append(d.waiting, stored.ID)
	}
	d.jobs[stored.ID] = stored
	job.State = stored.State
	d.broadcast()
	return nil
}

// Pop implements Driver.
func (d *InProcessDriver) Pop(ctx context.Context) (*Job, error) {
	deadline := time.NewTimer(d.popTimeout)
	defer deadline.Stop()

	for {
		d.mu.Lock()
		job, wake := d.lease()
		signal := d.signal
		d.mu.Unlock()
		if job != nil {
			return job, nil
		}

		var (
			wakeC <-chan time.Time
			timer *time.Timer
		)
		if wake > 0 {
			timer = time.NewTimer(wake)
			wakeC = timer.C
		}
		select {
		case <-ctx.Done():
			stop(timer)
			return nil, ctx.Err()
		case <-deadline.C:
			stop(timer)
			return nil, ErrEmpty
		case <-signal:
		case <-wakeC:
		}
		stop(timer)
	}
}

// lease promotes due jobs and leases the head of the waiting channel. When
// nothing is available it returns how long until the next delayed job or
// lease expiry becomes due, or zero if there is none.
func (d *InProcessDriver) lease() (*Job, time.Duration) {
	now := d.now()
	d.promote(d.delayed, now)
	d.promote(d.reserved, now)

	if len(d.waiting) == 0 {
		var next time.Time
		for _, m := range []map[string]time.Time{d.delayed, d.reserved} {
			for _, at := range m {
				if next.IsZero() || at.Before(next) {
					next = at
				}
			}
		}
		if next.IsZero() {
			return nil, 0
		}
		return nil, next.Sub(now)
	}

	id := d.waiting[0]
	d.waiting = d.waiting[1:]
	job := d.jobs[id]
	job.State = StateActive
	job.LeaseToken = uuid.NewString()
	d.reserved[id] = now.Add(d.visibilityTimeout)
	return job.clone(), 0
}

// promote moves every entry of m that is due back to waiting, oldest first.
func (d *InProcessDriver) promote(m map[string]time.Time, now time.Time) {
	var due []string
	for id, at := range m {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if m[due[i]].Equal(m[due[j]]) {
			return due[i] < due[j]
		}
		return m[due[i]].Before(m[due[j]])
	})
	for _, id := range due {
		delete(m, id)
		job := d.jobs[id]
		job.State = StateWaiting
		job.LeaseToken = ""
		d.waiting = append(d.waiting, id)
	}
}

// Ack implements Driver.
func (d *InProcessDriver) Ack(ctx context.Context, job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.holds(job); err != nil {
		return err
	}
	delete(d.reserved, job.ID)
	d.settle(job, StateCompleted)
	d.completed = append(d.completed, job.ID)
	d.completed = d.trim(d.completed, d.retention.Completed)
	return nil
}

// Retry implements Driver.
func (d *InProcessDriver) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.holds(job); err != nil {
		return err
	}
	delete(d.reserved, job.ID)
	if delay > 0 {
		stored := d.settle(job, StateDelayed)
		stored.ScheduledAt = d.now().Add(delay)
		d.delayed[job.ID] = stored.ScheduledAt
	} else {
		d.settle(job, StateWaiting)
		d.waiting = append(d.waiting, job.ID)
	}
	d.broadcast()
	return nil
}

// Fail implements Driver.
func (d *InProcessDriver) Fail(ctx context.Context, job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.holds(job); err != nil {
		return err
	}
	delete(d.reserved, job.ID)
	d.settle(job, StateFailed)
	d.failed = append(d.failed, job.ID)
	d.failed = d.trim(d.failed, d.retention.Failed)
	return nil
}

// Progress implements Driver.
func (d *InProcessDriver) Progress(ctx context.Context, job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.holds(job); err != nil {
		return err
	}
	d.jobs[job.ID].Progress = job.Progress
	return nil
}

// Get implements Driver.
func (d *InProcessDriver) Get(ctx context.Context, id string) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return job.clone(), nil
}

// AddRepeatable implements Driver.
func (d *InProcessDriver) AddRepeatable(ctx context.Context, repeatable Repeatable) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.repeatables[repeatable.ID]; ok {
		return false, nil
	}
	d.repeatables[repeatable.ID] = repeatable
	return true, nil
}

// Repeatables implements Driver.
func (d *InProcessDriver) Repeatables(ctx context.Context) ([]Repeatable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Repeatable, 0, len(d.repeatables))
	for _, r := range d.repeatables {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveRepeatable implements Driver.
func (d *InProcessDriver) RemoveRepeatable(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.repeatables[id]; !ok {
		return errors.Wrapf(ErrNotFound, "repeatable %s", id)
	}
	delete(d.repeatables, id)
	return nil
}

// Reload implements Driver.
func (d *InProcessDriver) Reload(ctx context.Context, channel string) (int64, error) {
	if channel != ChannelFailed {
		return 0, errors.Errorf("channel %s cannot be reloaded", channel)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range d.failed {
		job := d.jobs[id]
		job.State = StateWaiting
		job.AttemptsMade = 0
		job.FailedReason = ""
		job.FinishedAt = time.Time{}
		d.waiting = append(d.waiting, id)
	}
	n := int64(len(d.failed))
	d.failed = nil
	d.broadcast()
	return n, nil
}

// Flush implements Driver.
func (d *InProcessDriver) Flush(ctx context.Context, channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch channel {
	case ChannelWaiting:
		d.forget(d.waiting)
		d.waiting = nil
	case ChannelCompleted:
		d.forget(d.completed)
		d.completed = nil
	case ChannelFailed:
		d.forget(d.failed)
		d.failed = nil
	case ChannelDelayed:
		d.forget(keys(d.delayed))
		d.delayed = make(map[string]time.Time)
	case ChannelReserved:
		d.forget(keys(d.reserved))
		d.reserved = make(map[string]time.Time)
	default:
		return errors.Errorf("unknown channel %s", channel)
	}
	return nil
}

// Info implements Driver.
func (d *InProcessDriver) Info(ctx context.Context) (QueueInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return QueueInfo{
		Waiting:   int64(len(d.waiting)),
		Delayed:   int64(len(d.delayed)),
		Reserved:  int64(len(d.reserved)),
		Completed: int64(len(d.completed)),
		Failed:    int64(len(d.failed)),
	}, nil
}

// holds checks that job carries the current lease.
func (d *InProcessDriver) holds(job *Job) error {
	stored, ok := d.jobs[job.ID]
	if !ok || stored.State != StateActive || stored.LeaseToken == "" || stored.LeaseToken != job.LeaseToken {
		return errors.Wrapf(ErrLeaseLost, "job %s", job.ID)
	}
	return nil
}

// settle replaces the stored record with the caller's view of the job.
func (d *InProcessDriver) settle(job *Job, state State) *Job {
	stored := job.clone()
	stored.State = state
	stored.LeaseToken = ""
	d.jobs[job.ID] = stored
	job.State = state
	return stored
}

// trim drops the oldest ids beyond limit together with their records.
func (d *InProcessDriver) trim(ids []string, limit int) []string {
	if limit <= 0 || len(ids) <= limit {
		return ids
	}
	drop := len(ids) - limit
	d.forget(ids[:drop])
	return append([]string(nil), ids[drop:]...)
}

func (d *InProcessDriver) forget(ids []string) {
	for _, id := range ids {
		delete(d.jobs, id)
	}
}

func (d *InProcessDriver) broadcast() {
	close(d.signal)
	d.signal = make(chan struct{})
}

func stop(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

func keys(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
