package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/domain"
)

// progress is the live state of one run. The controller is its only writer;
// pollers read consistent snapshots.
type progress struct {
	mu     sync.RWMutex
	job    domain.FetchJob
	logger *log.Logger
	now    func() time.Time

	// ctx is the run's cancellation signal; cancel stops it.
	ctx    context.Context
	cancel context.CancelFunc
}

func newProgress(ctx context.Context, job domain.FetchJob, now func() time.Time, cancel context.CancelFunc) *progress {
	return &progress{
		job:    job,
		logger: log.With("job_id", job.ID, "job_type", job.JobType),
		now:    now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// logf appends one entry to the job log and mirrors it to the process log.
func (p *progress) logf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	entry := domain.JobLogEntry{Timestamp: p.now().UTC(), Message: message}

	p.mu.Lock()
	p.job.LogMessages = append(p.job.LogMessages, entry)
	p.mu.Unlock()

	p.logger.Debug(message)
}

func (p *progress) update(fn func(job *domain.FetchJob)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.job)
}

func (p *progress) snapshot() domain.FetchJob {
	p.mu.RLock()
	defer p.mu.RUnlock()
	job := p.job
	job.LogMessages = p.job.LogMessages.Clone()
	return job
}
