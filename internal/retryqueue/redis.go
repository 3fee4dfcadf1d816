package retryqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client used by RedisPersister.
type RedisClient interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisPersister keeps queue state in a Redis hash so several crawler
// processes can share retry bookkeeping.
type RedisPersister struct {
	client RedisClient
	key    string
}

// NewRedisPersister stores state under "<prefix>:retry".
func NewRedisPersister(client RedisClient, prefix string) (*RedisPersister, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "grocery"
	}
	return &RedisPersister{client: client, key: prefix + ":retry"}, nil
}

// Load reads the attempt hash.
func (p *RedisPersister) Load(ctx context.Context) (State, error) {
	raw, err := p.client.HGetAll(ctx, p.key).Result()
	if err != nil {
		return State{}, fmt.Errorf("redis hgetall: %w", err)
	}
	state := State{Products: make(map[string]int, len(raw))}
	for name, value := range raw {
		attempts, err := strconv.Atoi(value)
		if err != nil {
			return State{}, fmt.Errorf("parse attempts for %q: %w", name, err)
		}
		state.Products[name] = attempts
	}
	if ts, err := p.client.Get(ctx, p.updatedKey()).Result(); err == nil {
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			state.LastUpdated = parsed
		}
	}
	return state, nil
}

// Save replaces the attempt hash in a single transaction.
func (p *RedisPersister) Save(ctx context.Context, state State) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key)
		if len(state.Products) > 0 {
			values := make(map[string]any, len(state.Products))
			for name, attempts := range state.Products {
				values[name] = attempts
			}
			pipe.HSet(ctx, p.key, values)
		}
		pipe.Set(ctx, p.updatedKey(), state.LastUpdated.UTC().Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save retry state: %w", err)
	}
	return nil
}

func (p *RedisPersister) updatedKey() string {
	return p.key + ":last_updated"
}
