// Package email sends the transactional emails of the job board.
//
// Sending is not idempotent: a job redelivered after a lost lease may send
// the same message twice. Transport failures are returned unchanged so that
// the queue retries them with backoff until the attempts are exhausted.
package email

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/jobs"
)

// ErrNoRecipient is returned for payloads without a recipient address.
var ErrNoRecipient = errors.New("email: recipient must not be empty")

// Message is a rendered-by-template email request.
type Message struct {
	To       string                 `json:"to"`
	Name     string                 `json:"name,omitempty"`
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Transport delivers messages. Template rendering is up to the transport.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Handler processes the jobs of the email queue.
type Handler struct {
	transport Transport
	logger    log.Logger
}

// New creates a Handler.
func New(transport Transport, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{transport: transport, logger: logger}
}

// Register subscribes the handler to every job of the email queue.
func (h *Handler) Register(q *queue.Queue) {
	for _, name := range jobs.Vocabulary[jobs.QueueEmail] {
		q.Subscribe(name, h)
	}
}

// Process implements queue.Handler.
func (h *Handler) Process(ctx context.Context, job *queue.Job, _ queue.ProgressFunc) error {
	var payload jobs.EmailPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	msg, err := NewMessage(job.Name, payload)
	if err != nil {
		return queue.Permanent(err)
	}
	if err := h.transport.Send(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to send %s", msg.Template)
	}
	_ = level.Info(h.logger).Log("msg", "email sent", "template", msg.Template, "id", job.ID, "attempt", job.AttemptsMade+1)
	return nil
}

// NewMessage builds the message of an email job. The template defaults to
// the job name.
func NewMessage(name queue.JobName, payload jobs.EmailPayload) (Message, error) {
	if payload.RecipientEmail == "" {
		return Message{}, ErrNoRecipient
	}
	msg := Message{
		To:       payload.RecipientEmail,
		Name:     payload.RecipientName,
		Template: payload.TemplateName,
		Data:     payload.TemplateData,
	}
	if msg.Template == "" {
		msg.Template = name.String()
	}
	return msg, nil
}
