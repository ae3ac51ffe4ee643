package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestHeartbeatPublishesAndRemovesKey(t *testing.T) {
	server, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, 10*time.Millisecond, time.Minute)
	}()

	key := InstanceHeartbeatKeyPrefix + InstanceID()
	deadline := time.Now().Add(2 * time.Second)
	for !server.Exists(key) {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat key %q never appeared", key)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ttl := server.TTL(key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("heartbeat ttl = %v, want (0, 1m]", ttl)
	}

	cancel()
	<-done
	if server.Exists(key) {
		t.Fatal("heartbeat key survived shutdown")
	}
}

func TestLiveness(t *testing.T) {
	server, client := newRedis(t)
	ctx := context.Background()

	if err := server.Set(InstanceHeartbeatKeyPrefix+"peer-1", "alive"); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}

	liveness := NewLiveness(client)
	tests := []struct {
		id   string
		want bool
	}{
		{InstanceID(), true},
		{"peer-1", true},
		{"peer-2", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := liveness.IsAlive(ctx, tt.id)
		if err != nil {
			t.Fatalf("IsAlive(%q) returned error: %v", tt.id, err)
		}
		if got != tt.want {
			t.Fatalf("IsAlive(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}

	standalone := NewLiveness(nil)
	if alive, _ := standalone.IsAlive(ctx, "peer-1"); alive {
		t.Fatal("standalone liveness trusted a peer")
	}
	if alive, _ := standalone.IsAlive(ctx, InstanceID()); !alive {
		t.Fatal("standalone liveness rejected its own instance")
	}

	count, err := CountActiveInstances(ctx, client)
	if err != nil {
		t.Fatalf("CountActiveInstances returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountActiveInstances = %d, want 1", count)
	}
}
