package queue

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Defaults are the job options applied when a push does not override them.
type Defaults struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffStrategy BackoffStrategy
	HandleTimeout   time.Duration
}

// Queue is a named channel of persisted jobs. Producers Push onto it and
// Consume runs the worker harness: it leases jobs within the concurrency
// and rate limits, runs the registered Handler and acks, retries or fails
// the job according to the outcome.
type Queue struct {
	name                     string
	logger                   log.Logger
	driver                   Driver
	codec                    contract.Codec
	rwLock                   sync.RWMutex
	handlers                 map[JobName]Handler
	jobNames                 map[JobName]struct{}
	events                   *SyncDispatcher
	parallelism              int
	limiter                  *rateLimiter
	defaults                 Defaults
	queueLengthGauge         metrics.Gauge
	checkQueueLengthInterval time.Duration
	popErrorPause            time.Duration
	now                      func() time.Time
}

// Name returns the name of the queue.
func (d *Queue) Name() string {
	return d.name
}

// Push stores a job for asynchronous execution and returns its id. The
// returned error only describes the push itself; the outcome of the job is
// reported through events and the ledger.
//
// With the Repeat option, Push registers a repeating schedule instead and
// returns the schedule id. Registering the same id twice keeps a single
// schedule.
func (d *Queue) Push(ctx context.Context, name JobName, payload interface{}, opts ...PushOption) (string, error) {
	if !d.knows(name) {
		return "", errors.Wrapf(ErrUnknownJob, "queue %s has no job %s", d.name, name)
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = d.codec.Marshal(payload)
		if err != nil {
			return "", errors.Wrapf(err, "push %s failed", name)
		}
	}

	options := pushOptions{}
	for _, f := range opts {
		f(&options)
	}
	d.applyDefaults(&options)

	id := options.jobID
	if id == "" {
		id = uuid.NewString()
	}
	now := d.now()

	if options.repeat != nil {
		if err := options.repeat.Validate(); err != nil {
			return "", errors.Wrapf(err, "push %s failed", name)
		}
		repeatable := Repeatable{
			ID:              id,
			Name:            name,
			Payload:         data,
			Repeat:          *options.repeat,
			MaxAttempts:     options.maxAttempts,
			BackoffBase:     options.backoffBase,
			BackoffStrategy: options.backoffStrategy,
			HandleTimeout:   options.handleTimeout,
			CreatedAt:       now,
		}
		created, err := d.driver.AddRepeatable(ctx, repeatable)
		if err != nil {
			return "", errors.Wrapf(err, "register repeatable %s failed", id)
		}
		if !created {
			_ = level.Debug(d.logger).Log("msg", "repeatable already registered", "queue", d.name, "id", id)
			// The stored schedule wins over the one passed in.
			if stored, ok := d.repeatable(ctx, id); ok {
				repeatable = stored
			}
		}
		if err := d.scheduleOccurrence(ctx, repeatable, now); err != nil {
			return "", err
		}
		return id, nil
	}

	job := &Job{
		ID:              id,
		Queue:           d.name,
		Name:            name,
		Payload:         data,
		MaxAttempts:     options.maxAttempts,
		BackoffBase:     options.backoffBase,
		BackoffStrategy: options.backoffStrategy,
		HandleTimeout:   options.handleTimeout,
		CorrelationID:   options.correlationID,
		CreatedAt:       now,
	}
	if options.after > 0 {
		job.ScheduledAt = now.Add(options.after)
	}
	err := d.driver.Push(ctx, job, options.after)
	if errors.Is(err, ErrDuplicate) {
		_ = level.Debug(d.logger).Log("msg", "job already exists", "queue", d.name, "id", id)
		return id, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "push %s failed", name)
	}
	return id, nil
}

// Subscribe registers the handler for the job name. A later registration
// for the same name replaces the earlier one.
func (d *Queue) Subscribe(name JobName, handler Handler) {
	d.rwLock.Lock()
	defer d.rwLock.Unlock()
	d.handlers[name] = handler
}

// On subscribes a listener to the lifecycle events of this queue.
func (d *Queue) On(listener Listener) {
	d.events.Subscribe(listener)
}

// Consume starts the runner and blocks until context canceled or error
// occurred. Jobs in flight when the context is canceled run to completion.
func (d *Queue) Consume(ctx context.Context) error {
	if d.logger == nil {
		d.logger = log.NewNopLogger()
	}
	g, ctx := errgroup.WithContext(ctx)
	slots := semaphore.NewWeighted(int64(d.parallelism))
	workCtx := context.WithoutCancel(ctx)

	g.Go(func() error {
		for {
			if err := slots.Acquire(ctx, 1); err != nil {
				return nil
			}
			if err := d.limiter.Wait(ctx); err != nil {
				slots.Release(1)
				return nil
			}
			job, err := d.driver.Pop(ctx)
			if errors.Is(err, ErrEmpty) {
				slots.Release(1)
				continue
			}
			if err != nil {
				slots.Release(1)
				if ctx.Err() != nil {
					return nil
				}
				_ = level.Warn(d.logger).Log("msg", "failed to lease job", "queue", d.name, "err", err)
				if !sleep(ctx, d.popErrorPause) {
					return nil
				}
				continue
			}
			d.limiter.Record()
			g.Go(func() error {
				defer slots.Release(1)
				d.work(workCtx, job)
				return nil
			})
		}
	})

	if d.queueLengthGauge != nil {
		if d.checkQueueLengthInterval == 0 {
			d.checkQueueLengthInterval = 15 * time.Second
		}
		ticker := time.NewTicker(d.checkQueueLengthInterval)
		g.Go(func() error {
			for {
				select {
				case <-ticker.C:
					d.gauge(ctx)
				case <-ctx.Done():
					ticker.Stop()
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// Driver returns the ledger of the queue.
func (d *Queue) Driver() Driver {
	return d.driver
}

func (d *Queue) work(ctx context.Context, job *Job) {
	logger := log.With(d.logger, "queue", d.name, "job", job.Name, "id", job.ID)

	if job.RepeatID != "" {
		if repeatable, ok := d.repeatable(ctx, job.RepeatID); ok {
			if err := d.scheduleOccurrence(ctx, repeatable, d.now()); err != nil {
				_ = level.Warn(logger).Log("msg", "failed to schedule next occurrence", "err", err)
			}
		}
	}

	handler := d.handler(job.Name)
	if handler == nil {
		_ = level.Error(logger).Log("msg", "no handler registered")
		d.fail(ctx, job, Permanent(errors.Wrapf(ErrUnknownJob, "%s", job.Name)), 0, logger)
		return
	}

	job.ProcessedAt = d.now()
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if job.HandleTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, job.HandleTimeout)
	}
	reporter := &progressReporter{queue: d, job: job, logger: logger}
	err := d.invoke(hctx, handler, job, reporter.report)
	cancel()
	elapsed := d.now().Sub(job.ProcessedAt)

	reporter.finish()
	if err != nil {
		d.fail(ctx, job, err, elapsed, logger)
		return
	}

	job.AttemptsMade++
	job.FinishedAt = d.now()
	job.FailedReason = ""
	if err := d.driver.Ack(ctx, job); err != nil {
		_ = level.Warn(logger).Log("msg", "failed to acknowledge job", "err", err)
		return
	}
	_ = level.Debug(logger).Log("msg", "job completed", "attempts", job.AttemptsMade, "elapsed", elapsed)
	d.dispatch(ctx, EventCompleted, EventPayload{Job: job.clone(), Elapsed: elapsed}, logger)
}

// fail records a failed attempt and either retries the job after a backoff
// or moves it to the failed channel.
func (d *Queue) fail(ctx context.Context, job *Job, err error, elapsed time.Duration, logger log.Logger) {
	job.AttemptsMade++
	job.FailedReason = err.Error()

	if !IsPermanent(err) && job.HasAttemptsLeft() {
		delay := Backoff(job.BackoffStrategy, job.AttemptsMade, job.BackoffBase)
		_ = level.Info(logger).Log("err", errors.Wrapf(err, "job %s failed %d times, retrying in %s", job.ID, job.AttemptsMade, delay))
		d.dispatch(ctx, EventRetrying, EventPayload{Job: job.clone(), Err: err, Delay: delay, Elapsed: elapsed}, logger)
		if rerr := d.driver.Retry(ctx, job, delay); rerr != nil {
			_ = level.Warn(logger).Log("msg", "failed to release job for retry", "err", rerr)
		}
		return
	}

	job.FinishedAt = d.now()
	_ = level.Warn(logger).Log("err", errors.Wrapf(err, "job %s failed after %d attempts, aborted", job.ID, job.AttemptsMade))
	if ferr := d.driver.Fail(ctx, job); ferr != nil {
		_ = level.Warn(logger).Log("msg", "failed to mark job failed", "err", ferr)
		return
	}
	d.dispatch(ctx, EventFailed, EventPayload{Job: job.clone(), Err: err, Elapsed: elapsed}, logger)
}

// invoke runs the handler, turning a panic into an error so the harness
// can still settle the job.
func (d *Queue) invoke(ctx context.Context, handler Handler, job *Job, report ProgressFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Process(ctx, job, report)
}

func (d *Queue) dispatch(ctx context.Context, event Event, payload EventPayload, logger log.Logger) {
	if err := d.events.Dispatch(ctx, event, payload); err != nil {
		_ = level.Warn(logger).Log("msg", "listener failed", "event", event, "err", err)
	}
}

// scheduleOccurrence pushes the next firing of the repeatable after t. A
// duplicate means another process or an earlier run already scheduled it.
func (d *Queue) scheduleOccurrence(ctx context.Context, repeatable Repeatable, t time.Time) error {
	next, err := repeatable.Repeat.Next(t)
	if err != nil {
		return err
	}
	job := repeatable.occurrence(d.name, next, d.now())
	err = d.driver.Push(ctx, job, next.Sub(d.now()))
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return errors.Wrapf(err, "schedule occurrence of %s failed", repeatable.ID)
	}
	return nil
}

func (d *Queue) repeatable(ctx context.Context, id string) (Repeatable, bool) {
	repeatables, err := d.driver.Repeatables(ctx)
	if err != nil {
		_ = level.Warn(d.logger).Log("msg", "failed to list repeatables", "queue", d.name, "err", err)
		return Repeatable{}, false
	}
	for _, r := range repeatables {
		if r.ID == id {
			return r, true
		}
	}
	return Repeatable{}, false
}

func (d *Queue) applyDefaults(options *pushOptions) {
	if options.maxAttempts <= 0 {
		options.maxAttempts = d.defaults.MaxAttempts
	}
	if options.maxAttempts <= 0 {
		options.maxAttempts = 1
	}
	if options.backoffStrategy == "" {
		options.backoffStrategy = d.defaults.BackoffStrategy
	}
	if options.backoffStrategy == "" {
		options.backoffStrategy = BackoffExponential
	}
	if options.backoffBase <= 0 {
		options.backoffBase = d.defaults.BackoffBase
	}
	if options.handleTimeout <= 0 {
		options.handleTimeout = d.defaults.HandleTimeout
	}
}

func (d *Queue) knows(name JobName) bool {
	if name == "" {
		return false
	}
	d.rwLock.RLock()
	defer d.rwLock.RUnlock()
	if d.jobNames == nil {
		return true
	}
	_, ok := d.jobNames[name]
	return ok
}

func (d *Queue) handler(name JobName) Handler {
	d.rwLock.RLock()
	defer d.rwLock.RUnlock()
	return d.handlers[name]
}

func (d *Queue) gauge(ctx context.Context) {
	queueInfo, err := d.driver.Info(ctx)
	if err != nil {
		_ = level.Warn(d.logger).Log("err", err)
		return
	}
	d.queueLengthGauge.With("channel", ChannelFailed).Set(float64(queueInfo.Failed))
	d.queueLengthGauge.With("channel", ChannelDelayed).Set(float64(queueInfo.Delayed))
	d.queueLengthGauge.With("channel", ChannelReserved).Set(float64(queueInfo.Reserved))
	d.queueLengthGauge.With("channel", ChannelWaiting).Set(float64(queueInfo.Waiting))
	d.queueLengthGauge.With("channel", ChannelCompleted).Set(float64(queueInfo.Completed))
}

// progressReporter serializes progress updates, which storage clients may
// issue from their own goroutines, and stops accepting them once the
// handler returned.
type progressReporter struct {
	mu       sync.Mutex
	done     bool
	reported bool
	queue    *Queue
	job    *Job
	logger log.Logger
}

func (p *progressReporter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
}

func (p *progressReporter) report(ctx context.Context, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || (p.reported && p.job.Progress == percent) {
		return
	}
	p.reported = true
	p.job.Progress = percent
	snapshot := p.job.clone()
	if err := p.queue.driver.Progress(ctx, snapshot); err != nil {
		_ = level.Warn(p.logger).Log("msg", "failed to persist progress", "progress", percent, "err", err)
	}
	p.queue.dispatch(ctx, EventProgress, EventPayload{Job: snapshot}, p.logger)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// UseCodec allows consumer to replace the default codec with a custom one. UseCodec is an option for NewQueue.
func UseCodec(codec contract.Codec) func(*Queue) {
	return func(queue *Queue) {
		queue.codec = codec
	}
}

// UseLogger is an option for NewQueue that feeds the queue with a Logger of choice.
func UseLogger(logger log.Logger) func(*Queue) {
	return func(queue *Queue) {
		queue.logger = logger
	}
}

// UseParallelism is an option for NewQueue that sets the maximum number of
// jobs processed in parallel by this process.
func UseParallelism(parallelism int) func(*Queue) {
	return func(queue *Queue) {
		if parallelism > 0 {
			queue.parallelism = parallelism
		}
	}
}

// UseRateLimit is an option for NewQueue that admits at most max job starts
// in any rolling window. A non-positive max disables the limit.
func UseRateLimit(max int, window time.Duration) func(*Queue) {
	return func(queue *Queue) {
		queue.limiter = newRateLimiter(max, window)
	}
}

// UseDefaults is an option for NewQueue that sets the default job options.
func UseDefaults(defaults Defaults) func(*Queue) {
	return func(queue *Queue) {
		queue.defaults = defaults
	}
}

// UseJobNames is an option for NewQueue that closes the vocabulary of the
// queue. Pushing any other name fails with ErrUnknownJob.
func UseJobNames(names ...JobName) func(*Queue) {
	return func(queue *Queue) {
		queue.jobNames = make(map[JobName]struct{}, len(names))
		for _, name := range names {
			queue.jobNames[name] = struct{}{}
		}
	}
}

// UseGauge is an option for NewQueue that collects a gauge metrics
func UseGauge(gauge metrics.Gauge, interval time.Duration) func(*Queue) {
	return func(queue *Queue) {
		queue.queueLengthGauge = gauge
		queue.checkQueueLengthInterval = interval
	}
}

// UseListener is an option for NewQueue that subscribes a listener to the
// lifecycle events.
func UseListener(listener Listener) func(*Queue) {
	return func(queue *Queue) {
		queue.events.Subscribe(listener)
	}
}

// NewQueue creates a Queue named name on top of the driver. Jobs pushed to
// it are guaranteed at least one execution, as they are stored in the
// driver and won't be released until the Queue acknowledges the end of
// execution.
func NewQueue(name string, driver Driver, opts ...func(*Queue)) *Queue {
	qd := Queue{
		name:          name,
		logger:        log.NewNopLogger(),
		driver:        driver,
		codec:         jsonCodec{},
		handlers:      make(map[JobName]Handler),
		events:        &SyncDispatcher{},
		parallelism:   runtime.NumCPU(),
		defaults:      Defaults{MaxAttempts: 1, BackoffStrategy: BackoffExponential},
		popErrorPause: time.Second,
		now:           time.Now,
	}
	for _, f := range opts {
		f(&qd)
	}
	return &qd
}
