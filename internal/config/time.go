package config

import (
	"sync"
	"time"
)

type IntervalName string

const (
	PublicFetchInterval   IntervalName = "public_fetch"
	BasicFetchInterval    IntervalName = "basic_fetch"
	RevalidationInterval  IntervalName = "revalidation"
	CleanupInterval       IntervalName = "cleanup"
	OrphanSweepInterval   IntervalName = "orphan_sweep"
	GeoLiteUpdateInterval IntervalName = "geolite_update"
	BlocklistInterval     IntervalName = "blocklist_refresh"
)

const minInterval = time.Second

type intervalState struct {
	mu        sync.Mutex
	value     time.Duration
	listeners []chan time.Duration
}

var intervals = map[IntervalName]*intervalState{
	PublicFetchInterval:   {value: minInterval},
	BasicFetchInterval:    {value: minInterval},
	RevalidationInterval:  {value: minInterval},
	CleanupInterval:       {value: minInterval},
	OrphanSweepInterval:   {value: minInterval},
	GeoLiteUpdateInterval: {value: minInterval},
	BlocklistInterval:     {value: minInterval},
}

func setIntervals(cfg Config) {
	setInterval(PublicFetchInterval, CalculateBetweenTime(cfg.Scheduler.PublicFetch.Timer))
	setInterval(BasicFetchInterval, CalculateBetweenTime(cfg.Scheduler.BasicFetch.Timer))
	setInterval(RevalidationInterval, CalculateBetweenTime(cfg.Scheduler.Revalidation.Timer))
	setInterval(CleanupInterval, CalculateBetweenTime(cfg.Scheduler.Cleanup.Timer))
	setInterval(OrphanSweepInterval, CalculateBetweenTime(cfg.Scheduler.OrphanTimer))
	setInterval(GeoLiteUpdateInterval, CalculateBetweenTime(cfg.GeoLite.UpdateTimer))
	setInterval(BlocklistInterval, CalculateBetweenTime(cfg.Blocklist.Timer))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	if d := timer.Duration(); d >= minInterval {
		return d
	}
	return minInterval
}

func (timer Timer) Duration() time.Duration {
	return time.Duration(timer.Days)*24*time.Hour +
		time.Duration(timer.Hours)*time.Hour +
		time.Duration(timer.Minutes)*time.Minute +
		time.Duration(timer.Seconds)*time.Second
}

func GetInterval(name IntervalName) time.Duration {
	state, ok := intervals[name]
	if !ok {
		return minInterval
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.value
}

// IntervalUpdates returns a channel primed with the current interval that
// receives every later change. Slow readers only miss intermediate values.
func IntervalUpdates(name IntervalName) <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	state, ok := intervals[name]
	if !ok {
		ch <- minInterval
		return ch
	}

	state.mu.Lock()
	state.listeners = append(state.listeners, ch)
	ch <- state.value
	state.mu.Unlock()
	return ch
}

func setInterval(name IntervalName, interval time.Duration) {
	state, ok := intervals[name]
	if !ok {
		return
	}
	if interval < minInterval {
		interval = minInterval
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.value == interval {
		return
	}
	state.value = interval

	for _, ch := range state.listeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- interval:
		default:
		}
	}
}
