// Package redisstate implements the shared-state outbound ports on
// Redis: the kill-switch store and the sliding-window rate limiter.
// One Redis deployment is shared by all gateway replicas, so a kill
// issued on one replica is visible to every other before its next
// request is admitted.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/internal/domain/killswitch"
)

// killKey builds the store key for one scope target.
func killKey(scope killswitch.Scope, target string) string {
	switch scope {
	case killswitch.ScopeGlobal:
		return "agentgate:ks:global"
	case killswitch.ScopeTool:
		return "agentgate:ks:tool:" + target
	default:
		return "agentgate:ks:session:" + target
	}
}

// KillSwitchStore is the Redis-backed killswitch.Store.
type KillSwitchStore struct {
	client *redis.Client
}

// NewKillSwitchStore wraps a Redis client.
func NewKillSwitchStore(client *redis.Client) *KillSwitchStore {
	return &KillSwitchStore{client: client}
}

// Set writes the flag for one scope target. Redis string SET is atomic,
// which totally orders writes per scope.
func (s *KillSwitchStore) Set(ctx context.Context, scope killswitch.Scope, target string, state killswitch.State) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal kill switch state: %w", err)
	}
	if err := s.client.Set(ctx, killKey(scope, target), b, 0).Err(); err != nil {
		return fmt.Errorf("write kill switch %s/%s: %w", scope, target, err)
	}
	return nil
}

// Get reads the flag for one scope target. A missing key is an
// inactive switch.
func (s *KillSwitchStore) Get(ctx context.Context, scope killswitch.Scope, target string) (killswitch.State, error) {
	raw, err := s.client.Get(ctx, killKey(scope, target)).Result()
	if err == redis.Nil {
		return killswitch.State{}, nil
	}
	if err != nil {
		return killswitch.State{}, fmt.Errorf("read kill switch %s/%s: %w", scope, target, err)
	}
	return decodeState(raw)
}

// CheckAll reads all three scopes for one request in a single MGET.
func (s *KillSwitchStore) CheckAll(ctx context.Context, sessionID, toolName string) (killswitch.Check, error) {
	vals, err := s.client.MGet(ctx,
		killKey(killswitch.ScopeGlobal, ""),
		killKey(killswitch.ScopeTool, toolName),
		killKey(killswitch.ScopeSession, sessionID),
	).Result()
	if err != nil {
		return killswitch.Check{}, fmt.Errorf("read kill switches: %w", err)
	}

	var check killswitch.Check
	targets := []*killswitch.State{&check.Global, &check.Tool, &check.Session}
	for i, v := range vals {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		state, err := decodeState(raw)
		if err != nil {
			return killswitch.Check{}, err
		}
		*targets[i] = state
	}
	return check, nil
}

func decodeState(raw string) (killswitch.State, error) {
	var state killswitch.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return killswitch.State{}, fmt.Errorf("decode kill switch state: %w", err)
	}
	return state, nil
}

// Connect dials Redis from a URL and verifies connectivity within the
// given timeout.
func Connect(url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var _ killswitch.Store = (*KillSwitchStore)(nil)
