// Package upload moves files received by the API from the transient upload
// directory to durable storage and records their metadata on the owning
// entity.
//
// The temp files of a job are removed on every exit path: success, failure
// and panic. A retried job therefore finds nothing to transfer, which is why
// failures after the transfer phase are permanent.
package upload

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/jobs"
)

// Storage transfers a file to durable storage and returns its public URL.
// progress receives the number of bytes written so far.
type Storage interface {
	Upload(ctx context.Context, folder string, file jobs.TempFile, r io.Reader, progress func(written int64)) (string, error)
}

// MetadataRepository holds the file lists of entities. Update replaces the
// list of an entity with the result of fn, applied to the current list
// under a lock so that concurrent updates of the same entity serialize.
type MetadataRepository interface {
	Update(ctx context.Context, entityType jobs.EntityType, entityID string, fn func(existing []jobs.FileMetadata) []jobs.FileMetadata) error
}

// transferShare is the share of the progress bar owned by the transfer
// phase; the metadata merge completes it.
const transferShare = 90

// Handler processes the uploadFile job.
type Handler struct {
	storage    Storage
	repository MetadataRepository
	logger     log.Logger
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger of the handler.
func WithLogger(logger log.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// New creates a Handler.
func New(storage Storage, repository MetadataRepository, opts ...Option) *Handler {
	h := &Handler{
		storage:    storage,
		repository: repository,
		logger:     log.NewNopLogger(),
		now:        time.Now,
	}
	for _, f := range opts {
		f(h)
	}
	return h
}

// Register subscribes the handler to the file-upload queue.
func (h *Handler) Register(q *queue.Queue) {
	q.Subscribe(jobs.UploadFile, h)
}

// Process implements queue.Handler.
func (h *Handler) Process(ctx context.Context, job *queue.Job, report queue.ProgressFunc) error {
	var payload jobs.UploadPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if report == nil {
		report = func(context.Context, int) {}
	}
	logger := log.With(h.logger, "id", job.ID, "entity", payload.EntityType, "entityId", payload.EntityID)
	if payload.CorrelationID != "" {
		logger = log.With(logger, "correlationId", payload.CorrelationID)
	}

	files := newTempFiles(payload.TempFiles, logger)
	defer files.Release()

	report(ctx, 0)
	progress := newTransferProgress(payload.TempFiles, func(percent int) { report(ctx, percent) })

	var uploaded []jobs.FileMetadata
	for i, file := range payload.TempFiles {
		url, err := h.transfer(ctx, payload.Folder, file, progress.tracker(i))
		if err != nil {
			_ = level.Warn(logger).Log("msg", "file transfer failed, skipped", "file", file.OriginalName, "err", err)
			progress.done(i)
			continue
		}
		progress.done(i)
		uploaded = append(uploaded, jobs.FileMetadata{
			OriginalName: file.OriginalName,
			URL:          url,
			Size:         file.Size,
			MimeType:     file.MimeType,
			UploadedAt:   h.now(),
		})
	}
	if len(uploaded) == 0 {
		return queue.Permanent(errors.Errorf("none of %d files transferred", len(payload.TempFiles)))
	}

	err := h.repository.Update(ctx, payload.EntityType, payload.EntityID, func(existing []jobs.FileMetadata) []jobs.FileMetadata {
		return jobs.MergeMetadata(existing, uploaded, payload.MergeWithExisting)
	})
	if err != nil {
		urls := make([]string, len(uploaded))
		for i := range uploaded {
			urls[i] = uploaded[i].URL
		}
		_ = level.Error(logger).Log("msg", "transferred files are not recorded", "urls", strings.Join(urls, ","), "err", err)
		return queue.Permanent(errors.Wrap(err, "failed to record file metadata"))
	}
	report(ctx, 100)
	_ = level.Info(logger).Log("msg", "files uploaded", "uploaded", len(uploaded), "skipped", len(payload.TempFiles)-len(uploaded))
	return nil
}

func (h *Handler) transfer(ctx context.Context, folder string, file jobs.TempFile, progress func(int64)) (string, error) {
	f, err := os.Open(file.TempPath)
	if err != nil {
		return "", errors.Wrap(err, "temp file unavailable")
	}
	defer f.Close()
	return h.storage.Upload(ctx, folder, file, f, progress)
}
