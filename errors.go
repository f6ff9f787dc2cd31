package queue

import (
	"github.com/pkg/errors"
)

var (
	// ErrEmpty is returned by Driver.Pop when no job is available.
	ErrEmpty = errors.New("no message available")
	// ErrDuplicate is returned by Driver.Push when a job with the same id is
	// still retained by the ledger.
	ErrDuplicate = errors.New("job id already exists")
	// ErrLeaseLost is returned when the caller no longer holds the lease,
	// usually because the visibility timeout elapsed and another worker
	// leased the job.
	ErrLeaseLost = errors.New("lease lost")
	// ErrNotFound is returned when a job or repeatable does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownJob is returned for job names outside of the vocabulary of
	// a queue.
	ErrUnknownJob = errors.New("unknown job name")
	// ErrEmptyPayload is returned when a handler expects a payload.
	ErrEmptyPayload = errors.New("empty payload")
)

type permanentError struct {
	err error
}

func (p permanentError) Error() string {
	return p.err.Error()
}

func (p permanentError) Cause() error {
	return p.err
}

func (p permanentError) Unwrap() error {
	return p.err
}

// Permanent marks err as not worth retrying. The harness fails such jobs
// immediately regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
