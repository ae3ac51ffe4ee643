package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "proxyharvest:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 45 * time.Second
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "instance"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// InstanceID identifies this process as the executor of the jobs it runs.
func InstanceID() string {
	return instanceID
}

// StartInstanceHeartbeat refreshes this instance's liveness key until ctx is
// done. The key is removed on exit so peers notice the shutdown at once.
func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, keyPrefix string, interval, ttl time.Duration) {
	heartbeatKey := keyPrefix + instanceID

	sendHeartbeat := func() {
		if err := client.SetEx(ctx, heartbeatKey, "alive", ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", heartbeatKey, "error", err)
		}
	}

	sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = client.Del(cleanupCtx, heartbeatKey).Err()
			cancel()
			return
		case <-ticker.C:
			sendHeartbeat()
		}
	}
}

func LaunchInstanceHeartbeat(parent context.Context, client *redis.Client) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
	return cancel
}

// Liveness answers whether the executor that owns a job is still running.
type Liveness struct {
	client    *redis.Client
	keyPrefix string
}

// NewLiveness checks heartbeats in Redis. With a nil client only this
// process counts as alive.
func NewLiveness(client *redis.Client) *Liveness {
	return &Liveness{client: client, keyPrefix: InstanceHeartbeatKeyPrefix}
}

func (l *Liveness) IsAlive(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	if id == instanceID {
		return true, nil
	}
	if l == nil || l.client == nil {
		return false, nil
	}

	count, err := l.client.Exists(ctx, l.keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("runtime: check heartbeat of %s: %w", id, err)
	}
	return count > 0, nil
}

// CountActiveInstances counts live heartbeats, this instance included.
func CountActiveInstances(ctx context.Context, client *redis.Client) (int, error) {
	if client == nil {
		return 1, nil
	}

	count := 0
	iter := client.Scan(ctx, 0, InstanceHeartbeatKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}
