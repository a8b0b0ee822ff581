// Package redis mirrors the public instance state into Redis so other
// processes (dashboards, bots) can read it or subscribe to changes.
// The relay never reads it back.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
)

// DefaultMirrorTTL bounds how long a mirrored key outlives its last update.
const DefaultMirrorTTL = 24 * time.Hour

// Event is what gets published on ChannelEvents.
type Event struct {
	domain.PublicInstance
	Removed bool `json:"removed,omitempty"`
}

// Mirror writes public instance state and publishes deltas.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMirror creates a mirror backed by client.
func NewMirror(client *redis.Client, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &Mirror{client: client, ttl: ttl}
}

// Apply stores (or removes) the instance and publishes the change in one round trip.
func (m *Mirror) Apply(ctx context.Context, d domain.Delta) error {
	event, err := json.Marshal(Event{PublicInstance: d.PublicInstance, Removed: d.Removed})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := m.client.TxPipeline()
	if d.Removed {
		pipe.Del(ctx, InstanceKey(d.ID))
		pipe.SRem(ctx, KeyAllInstances, d.ID)
	} else {
		state, err := json.Marshal(d.PublicInstance)
		if err != nil {
			return fmt.Errorf("failed to marshal instance: %w", err)
		}
		pipe.Set(ctx, InstanceKey(d.ID), state, m.ttl)
		pipe.SAdd(ctx, KeyAllInstances, d.ID)
	}
	pipe.Publish(ctx, ChannelEvents, event)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror instance %s: %w", d.ID, err)
	}
	return nil
}

// Reset drops whatever a previous process mirrored. Instances do not
// survive a restart, so neither should their mirror.
func (m *Mirror) Reset(ctx context.Context) (int, error) {
	ids, err := m.client.SMembers(ctx, KeyAllInstances).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list mirrored instances: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, InstanceKey(id))
	}
	keys = append(keys, KeyAllInstances)

	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to reset mirror: %w", err)
	}
	return len(ids), nil
}
