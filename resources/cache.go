package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kvpkg "github.com/chenyanchen/kv"
	"github.com/redis/go-redis/v9"

	"github.com/go-lazyload/lazyload"
)

// CacheOpt configures the redis driver.
type CacheOpt struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
	TTL      string `json:"ttl" yaml:"ttl"`
}

// Cache is a Redis-backed JSON cache.
// Its Invoke operation is a PING round-trip.
type Cache struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewCache(opt CacheOpt) (*Cache, error) {
	ttl := 10 * time.Minute
	if opt.TTL != "" {
		parsed, err := time.ParseDuration(opt.TTL)
		if err != nil {
			return nil, fmt.Errorf("new cache: parse ttl: %w", err)
		}
		ttl = parsed
	}
	prefix := opt.Prefix
	if prefix == "" {
		prefix = "lazyload"
	}
	cli := redis.NewClient(&redis.Options{Addr: opt.Addr, Password: opt.Password, DB: opt.DB})
	return &Cache{Client: cli, Prefix: prefix, TTL: ttl}, nil
}

func (c *Cache) key(k string) string {
	return c.Prefix + ":" + k
}

// Get unmarshals the cached JSON value for a key into out.
// A missing key reports kv.ErrNotFound.
func (c *Cache) Get(ctx context.Context, k string, out any) error {
	raw, err := c.Client.Get(ctx, c.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return kvpkg.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// Put stores a JSON-encoded value under a key with the cache's TTL.
func (c *Cache) Put(ctx context.Context, k string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, c.key(k), payload, c.TTL).Err()
}

func (c *Cache) Del(ctx context.Context, k string) error {
	return c.Client.Del(ctx, c.key(k)).Err()
}

// Invoke pings the Redis server.
func (c *Cache) Invoke(ctx context.Context) (any, error) {
	pong, err := c.Client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("probe cache: %w", err)
	}
	return pong, nil
}

// ToMap serializes the cache configuration. The password is omitted.
func (c *Cache) ToMap() (map[string]any, error) {
	opts := c.Client.Options()
	return map[string]any{
		"kind":   "redis",
		"addr":   opts.Addr,
		"db":     opts.DB,
		"prefix": c.Prefix,
		"ttl":    c.TTL.String(),
	}, nil
}

func (c *Cache) Close() error {
	return c.Client.Close()
}

// RegisterCache registers the "redis" driver.
func RegisterCache(reg *lazyload.Registry) error {
	return lazyload.Register(reg, "redis", lazyload.Definition[CacheOpt]{
		Build: func(_ context.Context, _ lazyload.Resolver, opt CacheOpt) (lazyload.Resource, error) {
			return NewCache(opt)
		},
	})
}
