package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the state document in Redis.
const DefaultRedisKey = "xgate:ratelimit:state"

const maxRedisAttempts = 10

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisStore shares the state between hosts. Updates are optimistic
// transactions: WATCH the key, apply fn, and MULTI/EXEC the write; a
// concurrent writer aborts the EXEC and the update is retried.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, key: opts.Key}, nil
}

func (r *RedisStore) Load(ctx context.Context) (*State, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decodeState(data)
}

func (r *RedisStore) Update(ctx context.Context, fn func(*State) error) error {
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		st, err := decodeState(data)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		out, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, out, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxRedisAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update state: too much contention on %s", r.key)
}

func (r *RedisStore) Close() error { return r.client.Close() }
