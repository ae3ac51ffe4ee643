package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"proxyharvest/internal/jobs/checker"
)

type BulkAction string

const (
	ActionDelete      BulkAction = "delete"
	ActionTest        BulkAction = "test"
	ActionMarkWorking BulkAction = "mark_working"
	ActionMarkFailed  BulkAction = "mark_failed"
)

func ParseBulkAction(raw string) (BulkAction, error) {
	switch action := BulkAction(raw); action {
	case ActionDelete, ActionTest, ActionMarkWorking, ActionMarkFailed:
		return action, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
}

// TestRun identifies a background re-test of explicit pool entries.
type TestRun struct {
	ID        string `json:"task_id"`
	Requested int    `json:"requested"`
	Found     int    `json:"found"`
}

type BulkResult struct {
	Action   BulkAction `json:"action"`
	Affected int64      `json:"affected"`
	Message  string     `json:"message"`
	TestRun  *TestRun   `json:"test_run,omitempty"`
}

// BulkAction applies action to exactly ids.
func (e *Engine) BulkAction(ctx context.Context, ids []uint64, action BulkAction) (BulkResult, error) {
	if len(ids) == 0 {
		return BulkResult{}, ErrNoProxyIDs
	}

	result := BulkResult{Action: action}
	switch action {
	case ActionDelete:
		deleted, err := e.store.DeleteProxies(ctx, ids)
		if err != nil {
			return BulkResult{}, storeError("delete proxies", err)
		}
		result.Affected = deleted
		result.Message = fmt.Sprintf("Deleted %d proxies", deleted)

	case ActionMarkWorking, ActionMarkFailed:
		working := action == ActionMarkWorking
		updated, err := e.store.SetWorking(ctx, ids, working)
		if err != nil {
			return BulkResult{}, storeError("set working", err)
		}
		result.Affected = updated
		state := "failed"
		if working {
			state = "working"
		}
		result.Message = fmt.Sprintf("Marked %d proxies as %s", updated, state)

	case ActionTest:
		run, err := e.TestProxies(ctx, ids)
		if err != nil {
			return BulkResult{}, err
		}
		result.Affected = int64(run.Found)
		result.Message = fmt.Sprintf("Testing %d proxies", run.Found)
		result.TestRun = &run

	default:
		return BulkResult{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	return result, nil
}

// TestProxies re-validates exactly ids in the background with the default
// validator settings. Each attempt is recorded like any other test; there is
// no owning job.
func (e *Engine) TestProxies(ctx context.Context, ids []uint64) (TestRun, error) {
	if len(ids) == 0 {
		return TestRun{}, ErrNoProxyIDs
	}

	proxies, err := e.store.GetProxiesByIDs(ctx, ids)
	if err != nil {
		return TestRun{}, storeError("load proxies", err)
	}

	run := TestRun{ID: uuid.NewString(), Requested: len(ids), Found: len(proxies)}
	if len(proxies) == 0 {
		return run, nil
	}

	targets := make([]checker.Target, len(proxies))
	for i, proxy := range proxies {
		targets[i] = checker.TargetFromProxy(proxy)
	}

	cfg := e.settings()
	opts := checker.Options{
		Workers:   cfg.Validator.DefaultWorkers,
		Timeout:   time.Duration(cfg.Validator.DefaultTimeout) * time.Second,
		TestURL:   cfg.Validator.TestURL,
		UserAgent: cfg.Validator.UserAgent,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		logger := log.With("test_run", run.ID)
		summary, err := e.validator.Run(e.baseCtx, targets, opts)
		if err != nil {
			logger.Error("Proxy test run stopped", "tested", summary.Tested, "error", err)
			return
		}
		logger.Info("Proxy test run finished", "tested", summary.Tested, "working", summary.Working)
	}()
	return run, nil
}
