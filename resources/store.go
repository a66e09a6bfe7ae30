package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	kvpkg "github.com/chenyanchen/kv"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/go-lazyload/lazyload"
)

// StoreOpt configures the postgres driver.
type StoreOpt struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// Store persists invocation results in PostgreSQL.
// Its Invoke operation is a health probe returning the stored result count.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore creates a connection pool for the DSN. The pool itself connects
// lazily; EnsureSchema is the first operation that touches the database.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("new result store: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// EnsureSchema creates the tables the bundled resources rely on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.Pool == nil {
		return errors.New("nil postgres pool")
	}
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tool_results (
    key TEXT PRIMARY KEY,
    payload JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    value BIGINT NOT NULL,
    description TEXT
);`)
	return err
}

// SaveResult stores a JSON-encoded result under a key, overwriting any
// previous result for that key.
func (s *Store) SaveResult(ctx context.Context, key string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", key, err)
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO tool_results (key, payload, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET payload=EXCLUDED.payload, updated_at=now()`, key, payload)
	return err
}

// LoadResult returns the stored result for a key.
func (s *Store) LoadResult(ctx context.Context, key string) (json.RawMessage, error) {
	var payload json.RawMessage
	err := s.Pool.QueryRow(ctx, `SELECT payload FROM tool_results WHERE key=$1`, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kvpkg.ErrNotFound
	}
	return payload, err
}

// Invoke probes the database and reports the number of stored results.
func (s *Store) Invoke(ctx context.Context) (any, error) {
	var count int64
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tool_results`).Scan(&count); err != nil {
		return nil, fmt.Errorf("probe result store: %w", err)
	}
	return count, nil
}

// ToMap serializes pool statistics. The DSN is deliberately omitted.
func (s *Store) ToMap() (map[string]any, error) {
	stat := s.Pool.Stat()
	return map[string]any{
		"kind":        "postgres",
		"total_conns": stat.TotalConns(),
		"idle_conns":  stat.IdleConns(),
		"max_conns":   stat.MaxConns(),
	}, nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

// RegisterStore registers the "postgres" driver.
func RegisterStore(reg *lazyload.Registry) error {
	return lazyload.Register(reg, "postgres", lazyload.Definition[StoreOpt]{
		Build: func(ctx context.Context, _ lazyload.Resolver, opt StoreOpt) (lazyload.Resource, error) {
			store, err := NewStore(ctx, opt.DSN)
			if err != nil {
				return nil, err
			}
			if err := store.EnsureSchema(ctx); err != nil {
				store.Pool.Close()
				return nil, err
			}
			return store, nil
		},
	})
}
