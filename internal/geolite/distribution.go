package geolite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "proxyharvest:geolite:file:"
	redisChannel   = "proxyharvest:geolite:updates"
	redisOpTimeout = 30 * time.Second
)

var errDistributionDisabled = errors.New("geolite: redis distribution is not enabled")

type updateNotice struct {
	Files     []string `json:"files"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

var distribution struct {
	mu     sync.RWMutex
	client *redis.Client
	cancel context.CancelFunc
}

// EnableRedisDistribution shares downloaded databases through Redis so only
// the leader talks to MaxMind. Peers pull the files on every notice.
func EnableRedisDistribution(ctx context.Context, client *redis.Client) {
	if client == nil {
		return
	}

	syncCtx, cancel := context.WithCancel(ctx)

	distribution.mu.Lock()
	if distribution.client != nil {
		distribution.mu.Unlock()
		cancel()
		return
	}
	distribution.client = client
	distribution.cancel = cancel
	distribution.mu.Unlock()

	go func() {
		if updated, err := pullFromRedis(syncCtx, client, nil); err != nil {
			log.Error("geolite redis sync: initial load failed", "error", err)
		} else if updated {
			log.Info("geolite redis sync: loaded databases from redis")
		}
	}()

	go subscribeToUpdates(syncCtx, client)
}

func DisableRedisDistribution() {
	distribution.mu.Lock()
	defer distribution.mu.Unlock()

	if distribution.cancel != nil {
		distribution.cancel()
	}
	distribution.client = nil
	distribution.cancel = nil
}

// PublishDatabases uploads the local files and notifies peers. An empty
// filenames publishes every known edition.
func PublishDatabases(ctx context.Context, filenames []string) error {
	client := distributionClient()
	if client == nil {
		return errDistributionDisabled
	}
	if len(filenames) == 0 {
		filenames = knownFilenames()
	}

	for _, name := range filenames {
		data, err := os.ReadFile(FilePath(name))
		if err != nil {
			return fmt.Errorf("geolite redis sync: read %s: %w", name, err)
		}
		if len(data) == 0 {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		err = client.Set(opCtx, redisKeyPrefix+name, data, 0).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("geolite redis sync: store %s: %w", name, err)
		}
	}

	payload, err := json.Marshal(updateNotice{Files: filenames, UpdatedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("geolite redis sync: encode notice: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return client.Publish(opCtx, redisChannel, payload).Err()
}

func subscribeToUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("geolite redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var notice updateNotice
		if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
			log.Error("geolite redis sync: invalid notice", "error", err)
			continue
		}

		if updated, err := pullFromRedis(ctx, client, notice.Files); err != nil {
			log.Error("geolite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("geolite redis sync: applied update", "files", notice.Files)
		}
	}
}

func pullFromRedis(ctx context.Context, client *redis.Client, filenames []string) (bool, error) {
	if len(filenames) == 0 {
		filenames = knownFilenames()
	}

	var updated bool
	for _, name := range filenames {
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		data, err := client.Get(opCtx, redisKeyPrefix+name).Bytes()
		cancel()
		if errors.Is(err, redis.Nil) || (err == nil && len(data) == 0) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("geolite redis sync: fetch %s: %w", name, err)
		}

		if err := writeToFile(FilePath(name), bytes.NewReader(data)); err != nil {
			return false, fmt.Errorf("geolite redis sync: write %s: %w", name, err)
		}
		updated = true
	}

	if updated {
		if err := ReloadFromDisk(); err != nil {
			return false, fmt.Errorf("geolite redis sync: reload: %w", err)
		}
	}
	return updated, nil
}

func knownFilenames() []string {
	files := make([]string, 0, len(downloadTargets))
	for _, target := range downloadTargets {
		files = append(files, target.filename)
	}
	return files
}

func distributionClient() *redis.Client {
	distribution.mu.RLock()
	defer distribution.mu.RUnlock()
	return distribution.client
}
