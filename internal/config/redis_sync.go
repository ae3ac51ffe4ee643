package config

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "proxyharvest:config:settings"
	redisConfigChannel = "proxyharvest:config:updates"
	redisOpTimeout     = 5 * time.Second
)

type redisSyncState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	globalRedisSync redisSyncState
	// syncOrigin tags what this process publishes so it can skip its own echo.
	syncOrigin = uuid.NewString()
)

type settingsEnvelope struct {
	Origin   string `json:"origin"`
	Settings Config `json:"settings"`
}

// EnableRedisSynchronization adopts the shared settings stored in Redis (or
// seeds them with the local ones) and applies updates published by peers.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}

	syncCtx, cancel := context.WithCancel(ctx)

	globalRedisSync.mu.Lock()
	if globalRedisSync.client != nil {
		globalRedisSync.mu.Unlock()
		cancel()
		return
	}
	globalRedisSync.client = client
	globalRedisSync.ctx = syncCtx
	globalRedisSync.cancel = cancel
	globalRedisSync.done = make(chan struct{})
	done := globalRedisSync.done
	globalRedisSync.mu.Unlock()

	loaded, err := loadConfigFromRedis(syncCtx, client)
	if err != nil {
		log.Error("Config sync: failed to load configuration from redis", "error", err)
	}

	if !loaded {
		if err := broadcastConfigUpdate(GetConfig()); err != nil {
			log.Error("Config sync: failed to publish configuration to redis", "error", err)
		}
	}

	pubsub := client.Subscribe(syncCtx, redisConfigChannel)
	go func() {
		defer close(done)
		receiveConfigUpdates(syncCtx, pubsub)
	}()
}

// DisableRedisSynchronization stops the subscriber and forgets the client.
func DisableRedisSynchronization() {
	globalRedisSync.mu.Lock()
	cancel := globalRedisSync.cancel
	done := globalRedisSync.done
	globalRedisSync.client = nil
	globalRedisSync.ctx = nil
	globalRedisSync.cancel = nil
	globalRedisSync.done = nil
	globalRedisSync.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func loadConfigFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	var envelope settingsEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return true, err
	}

	return true, applyConfigUpdate(envelope.Settings, configUpdateOptions{persistToFile: true, source: "redis"})
}

func receiveConfigUpdates(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var envelope settingsEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			log.Error("Config sync: invalid payload", "error", err)
			continue
		}
		if envelope.Origin == syncOrigin {
			continue
		}

		if err := applyConfigUpdate(envelope.Settings, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

func broadcastConfigUpdate(cfg Config) error {
	globalRedisSync.mu.RLock()
	client := globalRedisSync.client
	baseCtx := globalRedisSync.ctx
	globalRedisSync.mu.RUnlock()

	if client == nil {
		return nil
	}

	payload, err := json.Marshal(settingsEnvelope{Origin: syncOrigin, Settings: cfg})
	if err != nil {
		return err
	}

	if baseCtx == nil || baseCtx.Err() != nil {
		baseCtx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(baseCtx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisConfigChannel, payload).Err()
}
