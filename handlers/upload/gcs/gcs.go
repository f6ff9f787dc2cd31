// Package gcs stores uploaded files in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DoNewsCode/jobboard-queue/jobs"
)

// Storage implements upload.Storage on a bucket. Objects are named
// {folder}/{uuid}{ext} so that equal file names never collide.
type Storage struct {
	client  *storage.Client
	bucket  string
	baseURL string
	newID   func() string
}

// Option configures a Storage.
type Option func(*Storage)

// WithBaseURL sets the public URL prefix of objects, e.g. a CDN in front of
// the bucket. Defaults to https://storage.googleapis.com/{bucket}.
func WithBaseURL(baseURL string) Option {
	return func(s *Storage) {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// New creates a Storage writing to bucket.
func New(client *storage.Client, bucket string, opts ...Option) *Storage {
	s := &Storage{
		client:  client,
		bucket:  bucket,
		baseURL: "https://storage.googleapis.com/" + bucket,
		newID:   uuid.NewString,
	}
	for _, f := range opts {
		f(s)
	}
	return s
}

// Upload implements upload.Storage.
func (s *Storage) Upload(ctx context.Context, folder string, file jobs.TempFile, r io.Reader, progress func(int64)) (string, error) {
	name := objectName(folder, s.newID(), file.OriginalName)

	// Canceling the context aborts the upload and discards the partial object.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = file.MimeType
	w.Metadata = map[string]string{"originalName": file.OriginalName}
	if progress != nil {
		w.ProgressFunc = progress
	}
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return "", errors.Wrapf(err, "failed to write gs://%s/%s", s.bucket, name)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to finalize gs://%s/%s", s.bucket, name)
	}
	return s.url(name), nil
}

func (s *Storage) url(name string) string {
	segments := strings.Split(name, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	return fmt.Sprintf("%s/%s", s.baseURL, strings.Join(segments, "/"))
}

func objectName(folder, id, originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" {
		return id + ext
	}
	return folder + "/" + id + ext
}
