package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisQueuePrefix  = "mailbox:"
	redisManifestsKey = "mailbox:manifests"
	redisPollTimeout  = time.Second
)

// RedisRelay keeps one list per address so envelopes wait while the target
// agent is offline.
type RedisRelay struct {
	rdb    *redis.Client
	logger *slog.Logger
}

type RedisConfig struct {
	URL      string // redis://host:port/db
	Password string // mailbox key, overrides the URL password
	Logger   *slog.Logger
}

func NewRedisRelay(cfg RedisConfig) (*RedisRelay, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse mailbox relay url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return NewRedisRelayFromClient(redis.NewClient(opts), cfg.Logger), nil
}

func NewRedisRelayFromClient(rdb *redis.Client, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{rdb: rdb, logger: logger}
}

func redisQueue(address string) string {
	return redisQueuePrefix + address
}

func (r *RedisRelay) Deliver(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.LPush(ctx, redisQueue(env.Target), data).Err()
}

func (r *RedisRelay) Listen(ctx context.Context, address string, fn func(*Envelope)) error {
	key := redisQueue(address)
	for ctx.Err() == nil {
		res, err := r.rdb.BRPop(ctx, redisPollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("mailbox poll failed", "key", key, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(redisPollTimeout):
			}
			continue
		}
		// res is [key, value]
		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			r.logger.Warn("dropping malformed envelope", "key", key, "error", err)
			continue
		}
		fn(&env)
	}
	return nil
}

func (r *RedisRelay) PublishManifest(ctx context.Context, address string, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, redisManifestsKey, address+"/"+m.Digest, data).Err()
}

// Manifests returns every manifest published for address.
func (r *RedisRelay) Manifests(ctx context.Context, address string) ([]Manifest, error) {
	all, err := r.rdb.HGetAll(ctx, redisManifestsKey).Result()
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for field, raw := range all {
		if !strings.HasPrefix(field, address+"/") {
			continue
		}
		var m Manifest
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode manifest %s: %w", field, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Pending returns the number of envelopes waiting for address.
func (r *RedisRelay) Pending(ctx context.Context, address string) (int64, error) {
	return r.rdb.LLen(ctx, redisQueue(address)).Result()
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
