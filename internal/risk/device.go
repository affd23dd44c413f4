package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeviceStatus is what the registry knows about a fingerprint for an actor.
type DeviceStatus int

const (
	DeviceNoHistory DeviceStatus = iota // actor has no remembered devices
	DeviceKnown
	DeviceUnknown
)

// DeviceRegistry remembers which device fingerprints each sender has used.
type DeviceRegistry interface {
	Lookup(ctx context.Context, actorID, fingerprint string) (DeviceStatus, error)
	Remember(ctx context.Context, actorID, fingerprint string) error
}

const defaultDevicesPerActor = 20

type deviceSet struct {
	mu  sync.Mutex
	fps map[string]time.Time
}

// MemoryDeviceRegistry keeps a bounded set of fingerprints per actor.
// When full, the least recently seen fingerprint is forgotten.
type MemoryDeviceRegistry struct {
	actors   sync.Map // map[string]*deviceSet
	maxPerID int
	now      func() time.Time
}

// NewMemoryDeviceRegistry creates a registry keeping maxPerActor devices
// per actor (0 means 20).
func NewMemoryDeviceRegistry(maxPerActor int) *MemoryDeviceRegistry {
	if maxPerActor <= 0 {
		maxPerActor = defaultDevicesPerActor
	}
	return &MemoryDeviceRegistry{maxPerID: maxPerActor, now: time.Now}
}

func (r *MemoryDeviceRegistry) Lookup(_ context.Context, actorID, fingerprint string) (DeviceStatus, error) {
	v, ok := r.actors.Load(actorID)
	if !ok {
		return DeviceNoHistory, nil
	}
	set := v.(*deviceSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	if len(set.fps) == 0 {
		return DeviceNoHistory, nil
	}
	if _, ok := set.fps[fingerprint]; ok {
		return DeviceKnown, nil
	}
	return DeviceUnknown, nil
}

func (r *MemoryDeviceRegistry) Remember(_ context.Context, actorID, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	v, _ := r.actors.LoadOrStore(actorID, &deviceSet{fps: make(map[string]time.Time)})
	set := v.(*deviceSet)
	set.mu.Lock()
	defer set.mu.Unlock()

	set.fps[fingerprint] = r.now()
	for len(set.fps) > r.maxPerID {
		var oldest string
		var oldestAt time.Time
		for fp, at := range set.fps {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = fp, at
			}
		}
		delete(set.fps, oldest)
	}
	return nil
}

// RedisDeviceRegistry keeps each actor's fingerprints in a redis set that
// expires after ttl without activity.
type RedisDeviceRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeviceRegistry creates a redis-backed registry.
func NewRedisDeviceRegistry(client *redis.Client, ttl time.Duration) *RedisDeviceRegistry {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &RedisDeviceRegistry{client: client, ttl: ttl}
}

func deviceKey(actorID string) string { return "sentinel:devices:" + actorID }

func (r *RedisDeviceRegistry) Lookup(ctx context.Context, actorID, fingerprint string) (DeviceStatus, error) {
	key := deviceKey(actorID)
	pipe := r.client.Pipeline()
	card := pipe.SCard(ctx, key)
	member := pipe.SIsMember(ctx, key, fingerprint)
	if _, err := pipe.Exec(ctx); err != nil {
		return DeviceNoHistory, fmt.Errorf("device lookup: %w", err)
	}
	switch {
	case card.Val() == 0:
		return DeviceNoHistory, nil
	case member.Val():
		return DeviceKnown, nil
	default:
		return DeviceUnknown, nil
	}
}

func (r *RedisDeviceRegistry) Remember(ctx context.Context, actorID, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	key := deviceKey(actorID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, fingerprint)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("device remember: %w", err)
	}
	return nil
}
