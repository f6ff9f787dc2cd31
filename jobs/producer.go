package jobs

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	queue "github.com/DoNewsCode/jobboard-queue"
)

// Producer enqueues jobs on behalf of application services. Enqueueing is a
// one-way send: a nil error means the job was stored, not that it succeeded.
type Producer struct {
	maker    queue.Maker
	validate *validator.Validate
	logger   log.Logger
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithLogger sets the logger of the producer.
func WithLogger(logger log.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// NewProducer creates a Producer that looks up queues through maker.
func NewProducer(maker queue.Maker, opts ...ProducerOption) *Producer {
	p := &Producer{
		maker:    maker,
		validate: validator.New(),
		logger:   log.NewNopLogger(),
	}
	for _, f := range opts {
		f(p)
	}
	return p
}

// Enqueue validates the payload and pushes the job onto the queue. Unknown
// (queue, job) pairs are rejected with queue.ErrUnknownJob.
func (p *Producer) Enqueue(ctx context.Context, queueName string, name queue.JobName, payload interface{}, opts ...queue.PushOption) (string, error) {
	if !Knows(queueName, name) {
		return "", errors.Wrapf(queue.ErrUnknownJob, "queue %s has no job %s", queueName, name)
	}
	if payload != nil {
		if err := p.validate.Struct(payload); err != nil {
			var invalid *validator.InvalidValidationError
			if !errors.As(err, &invalid) {
				return "", errors.Wrapf(err, "invalid payload for %s", name)
			}
		}
	}
	q, err := p.maker.Make(queueName)
	if err != nil {
		return "", errors.Wrapf(err, "queue %s unavailable", queueName)
	}
	id, err := q.Push(ctx, name, payload, opts...)
	if err != nil {
		return "", err
	}
	_ = level.Debug(p.logger).Log("msg", "job enqueued", "queue", queueName, "job", name, "id", id)
	return id, nil
}

// IndexJobPosting schedules the upsert of a new posting into the search index.
func (p *Producer) IndexJobPosting(ctx context.Context, posting JobPosting) (string, error) {
	return p.Enqueue(ctx, QueueSearchIndex, IndexJob, posting)
}

// UpdateJobPosting schedules the upsert of a changed posting.
func (p *Producer) UpdateJobPosting(ctx context.Context, posting JobPosting) (string, error) {
	return p.Enqueue(ctx, QueueSearchIndex, UpdateJobIndex, posting)
}

// DeleteJobPosting schedules the removal of a posting from the search index.
func (p *Producer) DeleteJobPosting(ctx context.Context, id int64) (string, error) {
	return p.Enqueue(ctx, QueueSearchIndex, DeleteJobIndex, JobPostingRef{ID: id})
}

// SendEmail schedules a transactional email.
func (p *Producer) SendEmail(ctx context.Context, name queue.JobName, payload EmailPayload) (string, error) {
	return p.Enqueue(ctx, QueueEmail, name, payload)
}

// UploadFiles schedules the transfer of temp files to durable storage. The
// correlation id of the payload is attached to the job.
func (p *Producer) UploadFiles(ctx context.Context, payload UploadPayload) (string, error) {
	var opts []queue.PushOption
	if payload.CorrelationID != "" {
		opts = append(opts, queue.CorrelationID(payload.CorrelationID))
	}
	return p.Enqueue(ctx, QueueFileUpload, UploadFile, payload, opts...)
}
