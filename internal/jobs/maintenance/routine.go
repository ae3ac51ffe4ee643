// Package maintenance runs the periodic work of an instance: scheduled
// fetches, revalidation, cleanup, orphan reconciliation and GeoLite
// refreshes. With Redis configured each routine runs on one leader only.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"proxyharvest/internal/config"
	"proxyharvest/internal/support"
)

const (
	leaderKeyPrefix  = "proxyharvest:leader:"
	fallbackInterval = time.Hour
)

type routine struct {
	name     string
	interval config.IntervalName
	// runAtStart triggers one pass as soon as leadership is acquired.
	runAtStart bool
	run        func(ctx context.Context)

	// updates overrides the config interval feed in tests.
	updates func() <-chan time.Duration
}

func (r routine) intervalUpdates() <-chan time.Duration {
	if r.updates != nil {
		return r.updates()
	}
	return config.IntervalUpdates(r.interval)
}

// startRoutine blocks until ctx is done, running r on its interval while this
// instance leads r's lock.
func startRoutine(ctx context.Context, client *redis.Client, r routine) {
	var intervalValue atomic.Int64
	updates := r.intervalUpdates()
	select {
	case initial := <-updates:
		intervalValue.Store(int64(initial))
	case <-ctx.Done():
		return
	}

	updateSignal := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-updates:
				intervalValue.Store(int64(next))
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	lock := support.NewLeaderLock(client, leaderKeyPrefix+r.name, support.DefaultLeadershipTTL)
	err := lock.Run(ctx, func(leaderCtx context.Context) {
		runLoop(leaderCtx, r, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Maintenance routine stopped", "routine", r.name, "error", err)
	}
}

func runLoop(ctx context.Context, r routine, intervalValue *atomic.Int64, updateSignal <-chan struct{}) {
	current := time.Duration(intervalValue.Load())
	if current <= 0 {
		current = fallbackInterval
	}
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	if r.runAtStart {
		r.run(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.run(ctx)
		case <-updateSignal:
			next := time.Duration(intervalValue.Load())
			if next <= 0 || next == current {
				continue
			}
			drainTicker(ticker)
			current = next
			ticker.Reset(current)
			log.Debug("Maintenance interval changed", "routine", r.name, "interval", current)
		}
	}
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}

// runGroup starts every routine and blocks until all of them returned.
func runGroup(ctx context.Context, client *redis.Client, routines []routine) {
	var wg sync.WaitGroup
	for _, r := range routines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startRoutine(ctx, client, r)
		}()
	}
	wg.Wait()
}
