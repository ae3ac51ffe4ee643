package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/metrics"
	"proxyharvest/internal/support"
)

const (
	MinWorkers = 1
	MaxWorkers = 100
	MinTimeout = 5 * time.Second
	MaxTimeout = 60 * time.Second

	maxResponseBodyLength = 4096
)

// ClampWorkers bounds a worker count to MinWorkers..MaxWorkers.
func ClampWorkers(workers int) int {
	return min(max(workers, MinWorkers), MaxWorkers)
}

// ClampTimeout bounds a per-probe timeout to MinTimeout..MaxTimeout.
func ClampTimeout(timeout time.Duration) time.Duration {
	return min(max(timeout, MinTimeout), MaxTimeout)
}

// Target is one pool entry to probe.
type Target struct {
	ProxyID   uint64
	Candidate domain.Candidate
}

func TargetFromProxy(proxy domain.Proxy) Target {
	return Target{ProxyID: proxy.ID, Candidate: proxy.AsCandidate()}
}

// Result is the outcome of one probe.
type Result struct {
	Target
	Success      bool
	ResponseTime time.Duration
	ResponseIP   string
	Err          *ValidationError
}

// Recorder persists one probe outcome.
type Recorder interface {
	RecordTest(ctx context.Context, outcome database.TestOutcome) error
}

type RecorderFunc func(ctx context.Context, outcome database.TestOutcome) error

func (f RecorderFunc) RecordTest(ctx context.Context, outcome database.TestOutcome) error {
	return f(ctx, outcome)
}

// DatabaseRecorder writes outcomes through database.RecordTest.
func DatabaseRecorder() Recorder {
	return RecorderFunc(database.RecordTest)
}

type Options struct {
	Workers   int
	Timeout   time.Duration
	TestURL   string
	UserAgent string
	JobID     *uint64

	// OnResult runs on the worker goroutine after the outcome is stored.
	OnResult func(Result)
}

type Summary struct {
	Tested  int
	Working int
	Failed  int
}

type Validator struct {
	recorder   Recorder
	now        func() time.Time
	minTimeout time.Duration
}

func NewValidator(recorder Recorder) *Validator {
	return &Validator{recorder: recorder, now: time.Now, minTimeout: MinTimeout}
}

// Run probes every distinct target once on a pool of opts.Workers workers.
// Probe failures are recorded, not returned; the returned error is a store
// failure or ctx cancellation, and stops further dispatch.
func (v *Validator) Run(ctx context.Context, targets []Target, opts Options) (Summary, error) {
	opts.Workers = ClampWorkers(opts.Workers)
	opts.Timeout = min(max(opts.Timeout, v.minTimeout), MaxTimeout)
	if opts.TestURL == "" {
		return Summary{}, errors.New("checker: no test url configured")
	}

	var tested, working atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(opts.Workers)

	for _, target := range dedupeTargets(targets) {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			result := v.probe(groupCtx, target, opts)
			if groupCtx.Err() != nil {
				// abandoned by cancellation, nothing to record
				return nil
			}

			if err := v.record(groupCtx, result, opts); err != nil {
				return err
			}

			tested.Add(1)
			if result.Success {
				working.Add(1)
			}
			if opts.OnResult != nil {
				opts.OnResult(result)
			}
			return nil
		})
	}

	err := group.Wait()
	summary := Summary{Tested: int(tested.Load()), Working: int(working.Load())}
	summary.Failed = summary.Tested - summary.Working
	if err == nil {
		err = ctx.Err()
	}
	return summary, err
}

func (v *Validator) record(ctx context.Context, result Result, opts Options) error {
	outcome := database.TestOutcome{
		ProxyID:    result.ProxyID,
		JobID:      opts.JobID,
		TestURL:    opts.TestURL,
		Success:    result.Success,
		ResponseIP: result.ResponseIP,
		TestedAt:   v.now().UTC(),
	}
	if result.Success {
		seconds := domain.Round2(result.ResponseTime.Seconds())
		outcome.ResponseTime = &seconds
	} else if result.Err != nil {
		outcome.ErrorKind = result.Err.Kind
		outcome.ErrorMessage = result.Err.Message
	}

	err := v.recorder.RecordTest(ctx, outcome)
	if errors.Is(err, database.ErrNotFound) {
		log.Debug("Proxy vanished before its test was stored", "proxy_id", result.ProxyID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("checker: record test for proxy %d: %w", result.ProxyID, err)
	}
	return nil
}

func (v *Validator) probe(ctx context.Context, target Target, opts Options) Result {
	result := Result{Target: target}
	candidate := target.Candidate
	secrets := []string{candidate.Password}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	fail := func(verr *ValidationError) Result {
		result.Err = verr
		metrics.ObserveValidation(string(candidate.Protocol), verr.Kind, time.Since(start))
		return result
	}

	transport, err := newTransport(candidate, opts.Timeout)
	if err != nil {
		return fail(classify(err, secrets...))
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: opts.Timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.TestURL, nil)
	if err != nil {
		return fail(&ValidationError{Kind: KindOther, Message: "invalid test url"})
	}
	req.Header.Set("Connection", "close")
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fail(classify(err, secrets...))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLength))
	if err != nil {
		return fail(classify(err, secrets...))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(statusError(resp.StatusCode, secrets...))
	}

	result.Success = true
	result.ResponseTime = time.Since(start)
	result.ResponseIP = observedIP(body)
	metrics.ObserveValidation(string(candidate.Protocol), "working", result.ResponseTime)
	return result
}

// observedIP reads the caller address echoed by the test endpoint. It
// understands {"origin": ...}, {"ip": ...} and plain text bodies.
func observedIP(body []byte) string {
	var echo struct {
		Origin string `json:"origin"`
		IP     string `json:"ip"`
	}
	if json.Unmarshal(body, &echo) == nil {
		if echo.IP != "" {
			return support.FindIP(echo.IP)
		}
		if echo.Origin != "" {
			first, _, _ := strings.Cut(echo.Origin, ",")
			return support.FindIP(first)
		}
	}
	return support.FindIP(string(body))
}

func dedupeTargets(targets []Target) []Target {
	seen := make(map[any]struct{}, len(targets))
	out := make([]Target, 0, len(targets))
	for _, target := range targets {
		var key any = target.ProxyID
		if target.ProxyID == 0 {
			key = target.Candidate.Key()
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, target)
	}
	return out
}
