package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// RepeatOptions describes when a repeating job fires. Exactly one of
// Pattern and Every must be set.
type RepeatOptions struct {
	// Pattern is a standard five field cron expression, e.g. "*/15 * * * *".
	Pattern string `json:"pattern,omitempty"`
	// Every fires the job at fixed intervals aligned to the Unix epoch.
	Every time.Duration `json:"every,omitempty"`
}

// Validate checks the options are usable.
func (r RepeatOptions) Validate() error {
	if (r.Pattern == "") == (r.Every <= 0) {
		return errors.New("exactly one of repeat pattern and interval must be set")
	}
	if r.Pattern != "" {
		if _, err := cron.ParseStandard(r.Pattern); err != nil {
			return errors.Wrapf(err, "invalid repeat pattern %q", r.Pattern)
		}
	}
	return nil
}

// Next returns the first firing time strictly after t.
func (r RepeatOptions) Next(t time.Time) (time.Time, error) {
	if r.Every > 0 {
		return t.Truncate(r.Every).Add(r.Every), nil
	}
	schedule, err := cron.ParseStandard(r.Pattern)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid repeat pattern %q", r.Pattern)
	}
	return schedule.Next(t), nil
}

// Repeatable is a registered repeating schedule. Each firing is pushed as
// an ordinary job whose id is derived from the Repeatable id and the firing
// time, so concurrent schedulers converge on a single occurrence.
type Repeatable struct {
	ID      string          `json:"id"`
	Name    JobName         `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Repeat  RepeatOptions   `json:"repeat"`

	MaxAttempts     int             `json:"maxAttempts"`
	BackoffBase     time.Duration   `json:"backoffBase"`
	BackoffStrategy BackoffStrategy `json:"backoffStrategy"`
	HandleTimeout   time.Duration   `json:"handleTimeout"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// occurrenceID returns the deterministic job id of the firing at t.
func (r Repeatable) occurrenceID(t time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", r.ID, t.UnixNano()/int64(time.Millisecond))
}

// occurrence builds the job that fires at t.
func (r Repeatable) occurrence(queueName string, t time.Time, now time.Time) *Job {
	return &Job{
		ID:              r.occurrenceID(t),
		Queue:           queueName,
		Name:            r.Name,
		Payload:         r.Payload,
		MaxAttempts:     r.MaxAttempts,
		BackoffBase:     r.BackoffBase,
		BackoffStrategy: r.BackoffStrategy,
		HandleTimeout:   r.HandleTimeout,
		RepeatID:        r.ID,
		CreatedAt:       now,
		ScheduledAt:     t,
	}
}
