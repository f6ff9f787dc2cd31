package queue

import (
	"time"
)

// pushOptions holds the per job overrides collected from PushOption. Zero
// values fall back to the defaults of the queue.
type pushOptions struct {
	after           time.Duration
	handleTimeout   time.Duration
	maxAttempts     int
	backoffBase     time.Duration
	backoffStrategy BackoffStrategy
	jobID           string
	correlationID   string
	repeat          *RepeatOptions
}

// PushOption defines some options for Queue.Push.
type PushOption func(opts *pushOptions)

// Defer is a PushOption that defers the execution of the job for the period of time given.
func Defer(duration time.Duration) PushOption {
	return func(opts *pushOptions) {
		opts.after = duration
	}
}

// ScheduleAt is a PushOption that defers the execution of the job until the time given.
func ScheduleAt(t time.Time) PushOption {
	return func(opts *pushOptions) {
		opts.after = time.Until(t)
	}
}

// Timeout is a PushOption that defines the maximum time the handler may run.
func Timeout(timeout time.Duration) PushOption {
	return func(opts *pushOptions) {
		opts.handleTimeout = timeout
	}
}

// MaxAttempts is a PushOption that defines how many times the handler can be attempted.
func MaxAttempts(attempts int) PushOption {
	return func(opts *pushOptions) {
		opts.maxAttempts = attempts
	}
}

// WithBackoff is a PushOption that overrides the retry spacing of the queue.
func WithBackoff(strategy BackoffStrategy, base time.Duration) PushOption {
	return func(opts *pushOptions) {
		opts.backoffStrategy = strategy
		opts.backoffBase = base
	}
}

// JobID is a PushOption that outsources the generation of the job id to the
// caller. Pushing twice with the same id is a no-op while the first job is
// retained.
func JobID(id string) PushOption {
	return func(opts *pushOptions) {
		opts.jobID = id
	}
}

// CorrelationID is a PushOption that attaches a tracing token to the job.
func CorrelationID(id string) PushOption {
	return func(opts *pushOptions) {
		opts.correlationID = id
	}
}

// Repeat is a PushOption that turns the push into the registration of a
// repeating schedule. Combine it with JobID to make registration idempotent.
func Repeat(repeat RepeatOptions) PushOption {
	return func(opts *pushOptions) {
		opts.repeat = &repeat
	}
}
