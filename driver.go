package queue

import (
	"context"
	"time"
)

// Driver is the job ledger of a single queue. All mutation of job records
// goes through it. Implementations must be safe for concurrent use, and,
// when the storage is shared, across processes.
type Driver interface {
	// Push stores the job. When delay is positive the job is delayed,
	// otherwise it is waiting. Push returns ErrDuplicate if a job with the
	// same id is still retained.
	Push(ctx context.Context, job *Job, delay time.Duration) error
	// Pop leases the oldest waiting job after promoting due delayed jobs and
	// expired leases. It returns ErrEmpty if no job became available.
	Pop(ctx context.Context) (*Job, error)
	// Ack marks the leased job completed.
	Ack(ctx context.Context, job *Job) error
	// Retry releases the leased job and makes it available again after delay.
	Retry(ctx context.Context, job *Job, delay time.Duration) error
	// Fail marks the leased job failed. Failed jobs are not leased again.
	Fail(ctx context.Context, job *Job) error
	// Progress persists the progress of the leased job.
	Progress(ctx context.Context, job *Job) error
	// Get returns a copy of the job record.
	Get(ctx context.Context, id string) (*Job, error)

	// AddRepeatable registers a repeating schedule. It reports false if a
	// schedule with the same id already exists, in which case the stored
	// schedule is left untouched.
	AddRepeatable(ctx context.Context, repeatable Repeatable) (bool, error)
	// Repeatables lists the registered schedules.
	Repeatables(ctx context.Context) ([]Repeatable, error)
	// RemoveRepeatable deletes a schedule. Pending occurrences still run.
	RemoveRepeatable(ctx context.Context, id string) error

	// Reload moves all jobs in the channel back to waiting, resetting their
	// attempts. Only the failed channel can be reloaded.
	Reload(ctx context.Context, channel string) (int64, error)
	// Flush removes all jobs in the channel.
	Flush(ctx context.Context, channel string) error
	// Info reports the length of each channel.
	Info(ctx context.Context) (QueueInfo, error)
}

// Channel names accepted by Reload and Flush.
const (
	ChannelWaiting   = "waiting"
	ChannelDelayed   = "delayed"
	ChannelReserved  = "reserved"
	ChannelCompleted = "completed"
	ChannelFailed    = "failed"
)

// QueueInfo describes the state of the channels of a queue.
type QueueInfo struct {
	// Waiting is the length of the waiting channel.
	Waiting int64
	// Delayed is the length of the delayed channel.
	Delayed int64
	// Reserved is the number of leased jobs.
	Reserved int64
	// Completed is the number of retained completed jobs.
	Completed int64
	// Failed is the number of retained failed jobs.
	Failed int64
}

// Retention bounds the number of terminal jobs kept by a driver. Zero keeps
// everything.
type Retention struct {
	Completed int `yaml:"completed" json:"completed"`
	Failed    int `yaml:"failed" json:"failed"`
}
