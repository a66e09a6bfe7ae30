package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kvpkg "github.com/chenyanchen/kv"
	"github.com/chenyanchen/kv/cachekv"
	"github.com/chenyanchen/kv/layerkv"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/go-lazyload/lazyload"
)

// RecordsOpt configures the records driver. Store and Cache name sibling
// slots holding the postgres and redis resources, declared as dependencies.
type RecordsOpt struct {
	Store   string `json:"store" yaml:"store"`
	Cache   string `json:"cache" yaml:"cache"`
	Prefix  string `json:"prefix" yaml:"prefix"`
	TTL     string `json:"ttl" yaml:"ttl"`
	LRUSize int    `json:"lruSize" yaml:"lruSize"`
}

// RecordStore reads and writes validated Records through a layered KV:
// in-process LRU over Redis over PostgreSQL, write-through on each layer.
// It borrows its connections from sibling slots and therefore has no Close;
// the owning slots tear the connections down.
type RecordStore struct {
	store   *Store
	cache   *Cache
	layered kvpkg.KV[string, lazyload.Record]
}

// redisRecordStore implements kv.KV backed by Redis with JSON values.
type redisRecordStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func (s *redisRecordStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *redisRecordStore) Get(ctx context.Context, id string) (lazyload.Record, error) {
	var zero lazyload.Record
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return zero, kvpkg.ErrNotFound
	}
	if err != nil {
		return zero, err
	}
	if err := json.Unmarshal([]byte(raw), &zero); err != nil {
		return zero, err
	}
	return zero, nil
}

func (s *redisRecordStore) Set(ctx context.Context, id string, v lazyload.Record) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(id), payload, s.ttl).Err()
}

func (s *redisRecordStore) Del(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// pgRecordStore implements kv.KV backed by the records table.
type pgRecordStore struct {
	store *Store
}

func (s *pgRecordStore) Get(ctx context.Context, id string) (lazyload.Record, error) {
	var out lazyload.Record
	err := s.store.Pool.QueryRow(ctx,
		`SELECT id, value, description FROM records WHERE id=$1`, id).
		Scan(&out.ID, &out.Value, &out.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return lazyload.Record{}, kvpkg.ErrNotFound
	}
	return out, err
}

func (s *pgRecordStore) Set(ctx context.Context, id string, v lazyload.Record) error {
	_, err := s.store.Pool.Exec(ctx, `
INSERT INTO records (id, value, description) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET value=EXCLUDED.value, description=EXCLUDED.description`,
		id, v.Value, v.Description)
	return err
}

func (s *pgRecordStore) Del(ctx context.Context, id string) error {
	_, err := s.store.Pool.Exec(ctx, `DELETE FROM records WHERE id=$1`, id)
	return err
}

// NewRecordStore composes the layered KV over the given sibling resources.
func NewRecordStore(store *Store, cache *Cache, opt RecordsOpt) (*RecordStore, error) {
	if store == nil {
		return nil, errors.New("new record store: nil store")
	}
	if cache == nil {
		return nil, errors.New("new record store: nil cache")
	}

	ttl := cache.TTL
	if opt.TTL != "" {
		parsed, err := time.ParseDuration(opt.TTL)
		if err != nil {
			return nil, fmt.Errorf("new record store: parse ttl: %w", err)
		}
		ttl = parsed
	}
	prefix := opt.Prefix
	if prefix == "" {
		prefix = cache.Prefix + ":record"
	}
	lruSize := opt.LRUSize
	if lruSize <= 0 {
		lruSize = 1024
	}

	redisStore := &redisRecordStore{client: cache.Client, prefix: prefix, ttl: ttl}
	dbStore := &pgRecordStore{store: store}
	redisLayer, err := layerkv.New[string, lazyload.Record](redisStore, dbStore, layerkv.WithWriteThrough())
	if err != nil {
		return nil, fmt.Errorf("new record store: %w", err)
	}
	lru, err := cachekv.NewLRU[string, lazyload.Record](lruSize, nil, ttl/2+time.Second)
	if err != nil {
		return nil, fmt.Errorf("new record store: %w", err)
	}
	layered, err := layerkv.New[string, lazyload.Record](lru, redisLayer, layerkv.WithWriteThrough())
	if err != nil {
		return nil, fmt.Errorf("new record store: %w", err)
	}

	return &RecordStore{store: store, cache: cache, layered: layered}, nil
}

// Get returns the record with the given id from the nearest layer holding it.
func (r *RecordStore) Get(ctx context.Context, id string) (lazyload.Record, error) {
	return r.layered.Get(ctx, id)
}

// Put writes a record through every layer.
func (r *RecordStore) Put(ctx context.Context, rec lazyload.Record) error {
	return r.layered.Set(ctx, rec.ID, rec)
}

// Delete removes a record from every layer.
func (r *RecordStore) Delete(ctx context.Context, id string) error {
	return r.layered.Del(ctx, id)
}

// Invoke probes both backing resources.
func (r *RecordStore) Invoke(ctx context.Context) (any, error) {
	if _, err := r.cache.Invoke(ctx); err != nil {
		return nil, err
	}
	if _, err := r.store.Invoke(ctx); err != nil {
		return nil, err
	}
	return "ready", nil
}

func (r *RecordStore) ToMap() (map[string]any, error) {
	return map[string]any{
		"kind":   "records",
		"layers": []string{"lru", "redis", "postgres"},
	}, nil
}

// RegisterRecords registers the "records" driver. The driver depends on the
// sibling slots named in its options and resolves them through the holder.
func RegisterRecords(reg *lazyload.Registry) error {
	return lazyload.Register(reg, "records", lazyload.Definition[RecordsOpt]{
		Deps: func(opt RecordsOpt) ([]string, error) {
			if opt.Store == "" || opt.Cache == "" {
				return nil, errors.New("records driver: store and cache slots are required")
			}
			return []string{opt.Store, opt.Cache}, nil
		},
		Build: func(ctx context.Context, r lazyload.Resolver, opt RecordsOpt) (lazyload.Resource, error) {
			store, err := lazyload.ResolveAs[*Store](ctx, r, opt.Store)
			if err != nil {
				return nil, err
			}
			cache, err := lazyload.ResolveAs[*Cache](ctx, r, opt.Cache)
			if err != nil {
				return nil, err
			}
			return NewRecordStore(store, cache, opt)
		},
	})
}

// RegisterAll registers every bundled driver on the registry.
func RegisterAll(reg *lazyload.Registry) error {
	for _, register := range []func(*lazyload.Registry) error{
		RegisterStore,
		RegisterCache,
		RegisterTools,
		RegisterRecords,
	} {
		if err := register(reg); err != nil {
			return err
		}
	}
	return nil
}
