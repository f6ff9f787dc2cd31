// Package searchindex keeps the search engine in sync with job postings.
// Both operations are keyed by the posting id, so redelivered jobs are
// harmless.
package searchindex

import (
	"context"
	"strconv"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/jobs"
)

// Document is the shape of a job posting in the search engine.
type Document struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
	Company        string   `json:"company,omitempty"`
	Location       string   `json:"location,omitempty"`
	EmploymentType string   `json:"employmentType,omitempty"`
	Remote         bool     `json:"remote"`
	SalaryMin      *int64   `json:"salaryMin,omitempty"`
	SalaryMax      *int64   `json:"salaryMax,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Status         string   `json:"status,omitempty"`
	// PublishedAt and UpdatedAt are unix seconds so that the engine can
	// sort and filter on them.
	PublishedAt int64 `json:"publishedAt,omitempty"`
	UpdatedAt   int64 `json:"updatedAt,omitempty"`
}

// NewDocument translates a posting into its search document.
func NewDocument(posting jobs.JobPosting) Document {
	doc := Document{
		ID:             strconv.FormatInt(posting.ID, 10),
		Title:          posting.Title,
		Description:    posting.Description,
		Company:        posting.Company,
		Location:       posting.Location,
		EmploymentType: posting.EmploymentType,
		Remote:         posting.Remote,
		SalaryMin:      posting.SalaryMin,
		SalaryMax:      posting.SalaryMax,
		Tags:           posting.Tags,
		Status:         posting.Status,
	}
	if posting.OrganizationID != 0 {
		doc.OrganizationID = strconv.FormatInt(posting.OrganizationID, 10)
	}
	if !posting.PublishedAt.IsZero() {
		doc.PublishedAt = posting.PublishedAt.Unix()
	}
	if !posting.UpdatedAt.IsZero() {
		doc.UpdatedAt = posting.UpdatedAt.Unix()
	}
	return doc
}

// Store is the search-document store.
type Store interface {
	// Upsert creates or replaces the document with the same id.
	Upsert(ctx context.Context, doc Document) error
	// Delete removes the document. Deleting a missing document succeeds.
	Delete(ctx context.Context, id string) error
}

// Handler processes the jobs of the search-index queue.
type Handler struct {
	store  Store
	logger log.Logger
}

// New creates a Handler.
func New(store Store, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Handler{store: store, logger: logger}
}

// Register subscribes the handler to every job of the search-index queue.
func (h *Handler) Register(q *queue.Queue) {
	for _, name := range []queue.JobName{jobs.IndexJob, jobs.UpdateJobIndex, jobs.DeleteJobIndex} {
		q.Subscribe(name, h)
	}
}

// Process implements queue.Handler.
func (h *Handler) Process(ctx context.Context, job *queue.Job, _ queue.ProgressFunc) error {
	switch job.Name {
	case jobs.IndexJob, jobs.UpdateJobIndex:
		var posting jobs.JobPosting
		if err := job.Decode(&posting); err != nil {
			return err
		}
		if posting.ID == 0 {
			return queue.Permanent(errors.New("job posting without id"))
		}
		doc := NewDocument(posting)
		if err := h.store.Upsert(ctx, doc); err != nil {
			return errors.Wrapf(err, "failed to index job posting %s", doc.ID)
		}
		_ = level.Debug(h.logger).Log("msg", "job posting indexed", "posting", doc.ID, "job", job.Name)
		return nil
	case jobs.DeleteJobIndex:
		var ref jobs.JobPostingRef
		if err := job.Decode(&ref); err != nil {
			return err
		}
		if ref.ID == 0 {
			return queue.Permanent(errors.New("job posting without id"))
		}
		id := strconv.FormatInt(ref.ID, 10)
		if err := h.store.Delete(ctx, id); err != nil {
			return errors.Wrapf(err, "failed to delete job posting %s", id)
		}
		_ = level.Debug(h.logger).Log("msg", "job posting removed from index", "posting", id)
		return nil
	}
	return queue.Permanent(errors.Wrapf(queue.ErrUnknownJob, "%s", job.Name))
}
