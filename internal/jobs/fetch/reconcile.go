package fetch

import (
	"context"

	"github.com/charmbracelet/log"
)

// InterruptedMessage is stored on jobs whose executor disappeared.
const InterruptedMessage = "job interrupted: executor is no longer running"

// Reconcile fails every pending or running job whose executor is gone. Jobs
// this engine is still executing, and jobs owned by a live peer, are left
// alone. An own job that is no longer executing lost its final save and is
// failed too. It returns how many jobs were failed.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	jobs, err := e.store.UnfinishedJobs(ctx)
	if err != nil {
		return 0, storeError("list unfinished jobs", err)
	}
	running := e.runningIDs()

	failed := 0
	for _, job := range jobs {
		if job.InstanceID == e.instanceID {
			if _, ok := running[job.ID]; ok {
				continue
			}
		} else {
			alive, err := e.liveness.IsAlive(ctx, job.InstanceID)
			if err != nil {
				log.Warn("Skipping orphan check, liveness unknown", "job_id", job.ID, "error", err)
				continue
			}
			if alive {
				continue
			}
		}

		changed, err := e.store.FailUnfinishedJob(ctx, job.ID, InterruptedMessage, e.now().UTC())
		if err != nil {
			return failed, storeError("fail orphaned job", err)
		}
		if changed {
			failed++
			log.Warn("Orphaned fetch job marked failed", "job_id", job.ID, "job_type", job.JobType, "instance", job.InstanceID)
		}
	}
	return failed, nil
}

// runningIDs snapshots the jobs this engine executes. Jobs whose row was
// inserted before the call are guaranteed to be registered by then.
func (e *Engine) runningIDs() map[uint64]struct{} {
	e.registering.Lock()
	defer e.registering.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make(map[uint64]struct{}, len(e.active))
	for id := range e.active {
		ids[id] = struct{}{}
	}
	return ids
}
