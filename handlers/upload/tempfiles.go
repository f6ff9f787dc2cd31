package upload

import (
	"os"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/DoNewsCode/jobboard-queue/jobs"
)

// tempFiles owns the temp files of one upload job. Release removes them
// once; later calls are no-ops.
type tempFiles struct {
	paths  []string
	logger log.Logger
	once   sync.Once
}

func newTempFiles(files []jobs.TempFile, logger log.Logger) *tempFiles {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		if f.TempPath != "" {
			paths = append(paths, f.TempPath)
		}
	}
	return &tempFiles{paths: paths, logger: logger}
}

// Release removes every temp file. Failures are logged and swallowed.
func (t *tempFiles) Release() {
	t.once.Do(func() {
		for _, path := range t.paths {
			err := os.Remove(path)
			if err == nil {
				continue
			}
			if os.IsNotExist(err) {
				_ = level.Debug(t.logger).Log("msg", "temp file already gone", "path", path)
				continue
			}
			_ = level.Warn(t.logger).Log("msg", "failed to remove temp file", "path", path, "err", err)
		}
	})
}

// transferProgress maps the bytes written across all files onto the
// transfer share of the progress bar. Files are weighted by size, or
// equally when no sizes are known.
type transferProgress struct {
	mu       sync.Mutex
	weights  []int64
	total    int64
	finished int64
	last     int
	bySize   bool
	report   func(percent int)
}

func newTransferProgress(files []jobs.TempFile, report func(int)) *transferProgress {
	p := &transferProgress{weights: make([]int64, len(files)), report: report}
	for i, f := range files {
		if f.Size > 0 {
			p.weights[i] = f.Size
			p.total += f.Size
		}
	}
	p.bySize = p.total > 0
	if !p.bySize {
		for i := range p.weights {
			p.weights[i] = 1
		}
		p.total = int64(len(files))
	}
	return p
}

// tracker returns the byte callback of file i.
func (p *transferProgress) tracker(i int) func(written int64) {
	if !p.bySize {
		return func(int64) {}
	}
	return func(written int64) {
		if written > p.weights[i] {
			written = p.weights[i]
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.set(p.finished + written)
	}
}

// done accounts file i as finished, transferred or not.
func (p *transferProgress) done(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished += p.weights[i]
	p.set(p.finished)
}

func (p *transferProgress) set(progress int64) {
	if p.total == 0 {
		return
	}
	percent := int(progress * transferShare / p.total)
	if percent <= p.last {
		return
	}
	p.last = percent
	p.report(percent)
}
