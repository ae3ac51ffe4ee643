package support

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	renewalTimeout       = 5 * time.Second
	minRenewalInterval   = time.Second
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

var errLockLost = errors.New("support: leader lock lost")

// LeaderLock elects one instance to run a routine. With a nil client the
// instance assumes it is alone and always leads.
type LeaderLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	retry  time.Duration
}

func NewLeaderLock(client *redis.Client, key string, ttl time.Duration) *LeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	return &LeaderLock{client: client, key: key, ttl: ttl, retry: leadershipRetryDelay}
}

// Run blocks until ctx is done, invoking fn whenever leadership is held. The
// context passed to fn is cancelled as soon as leadership is lost.
func (l *LeaderLock) Run(ctx context.Context, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("support: leader run function cannot be nil")
	}

	if l.client == nil {
		fn(ctx)
		return ctx.Err()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		token := uuid.NewString()
		acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			log.Warn("leader lock: setnx failed", "key", l.key, "error", err)
		}

		if acquired {
			log.Debug("leader lock: acquired", "key", l.key)
			l.lead(ctx, token, fn)
			log.Debug("leader lock: released", "key", l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *LeaderLock) lead(parent context.Context, token string, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renewLoop(ctx, cancel, token)
	}()

	fn(ctx)
	cancel()
	<-done

	if err := l.release(token); err != nil {
		log.Warn("leader lock: release failed", "key", l.key, "error", err)
	}
}

func (l *LeaderLock) renewLoop(ctx context.Context, cancel context.CancelFunc, token string) {
	interval := l.ttl / 3
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(token); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				cancel()
				return
			}
		}
	}
}

func (l *LeaderLock) renew(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errLockLost
	}
	return nil
}

func (l *LeaderLock) release(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
