package queue

import (
	"encoding/json"
	"time"
)

// JobName discriminates handlers within a queue, e.g. "indexJob".
type JobName string

// String implements fmt.Stringer.
func (n JobName) String() string {
	return string(n)
}

// State is the lifecycle state of a Job.
type State string

const (
	// StateWaiting means the job is ready to be leased.
	StateWaiting State = "waiting"
	// StateDelayed means the job becomes waiting at ScheduledAt.
	StateDelayed State = "delayed"
	// StateActive means a worker holds a lease on the job.
	StateActive State = "active"
	// StateCompleted is terminal.
	StateCompleted State = "completed"
	// StateFailed is terminal. Failed jobs are never leased again unless an
	// operator reloads them.
	StateFailed State = "failed"
)

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the persisted record of a unit of deferred work.
type Job struct {
	// ID identifies the job. It is generated unless the producer supplied one.
	ID string `json:"id"`
	// Queue is the name of the queue the job was pushed onto.
	Queue string `json:"queue"`
	// Name selects the handler within the queue.
	Name JobName `json:"name"`
	// Payload is the handler specific, JSON encoded data.
	Payload json.RawMessage `json:"payload,omitempty"`
	State   State           `json:"state"`

	// AttemptsMade counts finished attempts, successful or not. It never
	// exceeds MaxAttempts.
	AttemptsMade    int             `json:"attemptsMade"`
	MaxAttempts     int             `json:"maxAttempts"`
	BackoffBase     time.Duration   `json:"backoffBase"`
	BackoffStrategy BackoffStrategy `json:"backoffStrategy"`
	// HandleTimeout bounds the context passed to the handler.
	HandleTimeout time.Duration `json:"handleTimeout"`

	// Progress is a percentage between 0 and 100 reported by the handler.
	Progress      int    `json:"progress"`
	CorrelationID string `json:"correlationId,omitempty"`
	// RepeatID links an occurrence to the Repeatable that produced it.
	RepeatID string `json:"repeatId,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	ScheduledAt  time.Time `json:"scheduledAt,omitempty"`
	ProcessedAt  time.Time `json:"processedAt,omitempty"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
	FailedReason string    `json:"failedReason,omitempty"`

	// LeaseToken is set by the driver on Pop and identifies the holder of
	// the current lease.
	LeaseToken string `json:"leaseToken,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Payload) == 0 {
		return Permanent(ErrEmptyPayload)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(err)
	}
	return nil
}

// HasAttemptsLeft reports whether another attempt may be made.
func (j *Job) HasAttemptsLeft() bool {
	return j.AttemptsMade < j.MaxAttempts
}

func (j *Job) clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	return &c
}
