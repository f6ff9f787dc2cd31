// Package cleanup sweeps expired files out of the transient upload
// directory. Upload jobs remove their own temp files; the sweep catches
// files whose job was never enqueued or never ran.
package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	queue "github.com/DoNewsCode/jobboard-queue"
	"github.com/DoNewsCode/jobboard-queue/jobs"
)

// DefaultTTL is the age after which temp files are deleted.
const DefaultTTL = time.Hour

// stamped matches file names starting with a unix millisecond timestamp,
// e.g. 1709294400000-cv.pdf.
var stamped = regexp.MustCompile(`^(\d{13})[-_]`)

// Result summarizes a sweep.
type Result struct {
	Scanned int
	Deleted int
	Failed  int
}

// Sweeper deletes the expired files of a directory.
type Sweeper struct {
	dir    string
	ttl    time.Duration
	logger log.Logger
	now    func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithTTL sets the age after which files are deleted.
func WithTTL(ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.ttl = ttl
	}
}

// WithLogger sets the logger of the sweeper.
func WithLogger(logger log.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// New creates a Sweeper of dir.
func New(dir string, opts ...Option) *Sweeper {
	s := &Sweeper{
		dir:    dir,
		ttl:    DefaultTTL,
		logger: log.NewNopLogger(),
		now:    time.Now,
	}
	for _, f := range opts {
		f(s)
	}
	return s
}

// Register subscribes the sweeper to the cleanup queue.
func (s *Sweeper) Register(q *queue.Queue) {
	q.Subscribe(jobs.CleanupTempFiles, s)
}

// Process implements queue.Handler. Only an unreadable directory fails the
// job; failures on single files are logged and skipped.
func (s *Sweeper) Process(ctx context.Context, job *queue.Job, _ queue.ProgressFunc) error {
	result, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	_ = level.Info(s.logger).Log("msg", "temp directory swept", "dir", s.dir, "scanned", result.Scanned, "deleted", result.Deleted, "failed", result.Failed)
	return nil
}

// Sweep deletes every regular, non-hidden file of the directory older than
// the TTL. Sub-directories are not descended into.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var result Result
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return result, errors.Wrapf(err, "failed to read %s", s.dir)
	}

	now := s.now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		result.Scanned++
		path := filepath.Join(s.dir, entry.Name())
		created, err := s.createdAt(entry)
		if err != nil {
			result.Failed++
			_ = level.Warn(s.logger).Log("msg", "failed to stat temp file", "path", path, "err", err)
			continue
		}
		if now.Sub(created) <= s.ttl {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Failed++
			_ = level.Warn(s.logger).Log("msg", "failed to remove temp file", "path", path, "err", err)
			continue
		}
		result.Deleted++
		_ = level.Debug(s.logger).Log("msg", "expired temp file removed", "path", path, "age", now.Sub(created))
	}
	return result, nil
}

// createdAt reads the timestamp embedded in the file name, falling back to
// the modification time.
func (s *Sweeper) createdAt(entry fs.DirEntry) (time.Time, error) {
	if m := stamped.FindStringSubmatch(entry.Name()); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
	}
	info, err := entry.Info()
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
