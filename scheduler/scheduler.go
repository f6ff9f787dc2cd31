// Package scheduler registers the repeating jobs of the job board.
package scheduler

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/jobs"
)

var (
	// ErrEmptyID is returned for schedules without a fixed id.
	ErrEmptyID = errors.New("scheduler: schedule id must not be empty")
	// ErrEmptyQueue is returned for schedules without a queue.
	ErrEmptyQueue = errors.New("scheduler: queue name must not be empty")
)

// DefaultCleanupPattern fires the cleanup job every 15 minutes.
const DefaultCleanupPattern = "*/15 * * * *"

// Schedule describes a repeating job. The ID is the idempotency key: every
// process registers the same schedule on boot and the ledger keeps one.
type Schedule struct {
	ID      string
	Queue   string
	Name    queue.JobName
	Repeat  queue.RepeatOptions
	Payload interface{}
	Options []queue.PushOption
}

// Cleanup returns the schedule of the temp-file sweep.
func Cleanup(pattern string) Schedule {
	if pattern == "" {
		pattern = DefaultCleanupPattern
	}
	return Schedule{
		ID:     jobs.CleanupJobID,
		Queue:  jobs.QueueCleanup,
		Name:   jobs.CleanupTempFiles,
		Repeat: queue.RepeatOptions{Pattern: pattern},
	}
}

// Scheduler registers schedules against the queues of a Maker.
type Scheduler struct {
	maker     queue.Maker
	logger    log.Logger
	schedules []Schedule
}

// New creates a Scheduler.
func New(maker queue.Maker, logger log.Logger, schedules ...Schedule) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Scheduler{maker: maker, logger: logger, schedules: schedules}
}

// Add appends a schedule to be registered.
func (s *Scheduler) Add(schedule Schedule) {
	s.schedules = append(s.schedules, schedule)
}

// Register makes sure every schedule exists exactly once. A stored schedule
// whose timing differs from the declared one is replaced.
func (s *Scheduler) Register(ctx context.Context) error {
	for _, schedule := range s.schedules {
		if err := s.register(ctx, schedule); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) register(ctx context.Context, schedule Schedule) error {
	if schedule.ID == "" {
		return ErrEmptyID
	}
	if schedule.Queue == "" {
		return ErrEmptyQueue
	}
	if err := schedule.Repeat.Validate(); err != nil {
		return errors.Wrapf(err, "schedule %s", schedule.ID)
	}
	q, err := s.maker.Make(schedule.Queue)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", schedule.ID)
	}

	existing, err := q.Driver().Repeatables(ctx)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", schedule.ID)
	}
	for _, r := range existing {
		if r.ID == schedule.ID && (r.Repeat != schedule.Repeat || r.Name != schedule.Name) {
			_ = level.Info(s.logger).Log("msg", "replacing changed schedule", "id", schedule.ID, "queue", schedule.Queue)
			if err := q.Driver().RemoveRepeatable(ctx, schedule.ID); err != nil {
				return errors.Wrapf(err, "schedule %s", schedule.ID)
			}
		}
	}

	opts := append([]queue.PushOption{}, schedule.Options...)
	opts = append(opts, queue.JobID(schedule.ID), queue.Repeat(schedule.Repeat))
	if _, err := q.Push(ctx, schedule.Name, schedule.Payload, opts...); err != nil {
		return errors.Wrapf(err, "schedule %s", schedule.ID)
	}
	_ = level.Info(s.logger).Log("msg", "schedule registered", "id", schedule.ID, "queue", schedule.Queue, "job", schedule.Name)
	return nil
}
