package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diwise/context-cache/pkg/entities"
	"github.com/diwise/context-cache/pkg/store"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
}

func LoadConfiguration(ctx context.Context) Config {
	return Config{
		host:     env.GetVariableOrDefault(ctx, "POSTGRES_HOST", ""),
		user:     env.GetVariableOrDefault(ctx, "POSTGRES_USER", ""),
		password: env.GetVariableOrDefault(ctx, "POSTGRES_PASSWORD", ""),
		port:     env.GetVariableOrDefault(ctx, "POSTGRES_PORT", "5432"),
		dbname:   env.GetVariableOrDefault(ctx, "POSTGRES_DBNAME", "diwise"),
		sslmode:  env.GetVariableOrDefault(ctx, "POSTGRES_SSLMODE", "disable"),
	}
}

// Enabled reports whether a database host has been configured
func (c Config) Enabled() bool {
	return c.host != ""
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

// Repository keeps snapshots of store contents so that a restarted cache
// can serve from warm stores
type Repository struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, cfg Config) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnStr())
	if err != nil {
		return nil, err
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	r := &Repository{pool: pool}

	if err = r.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *Repository) initialize(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache_snapshots (
			store      TEXT NOT NULL,
			key        TEXT NOT NULL,
			position   INTEGER NOT NULL,
			attributes JSONB NOT NULL,
			saved_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (store, key)
		);`)
	return err
}

func (r *Repository) Close() {
	r.pool.Close()
}

// Save replaces the snapshot of s with its current records. Records that
// have not been persisted to the remote api yet are left out.
func (r *Repository) Save(ctx context.Context, s *store.Store) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM cache_snapshots WHERE store=$1`, s.Name())

	count := 0

	for position, record := range s.Records() {
		if record.IsNew() {
			continue
		}

		attrs, err := json.Marshal(record.Attributes())
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s in %s: %w", record.ID(), s.Name(), err)
		}

		batch.Queue(
			`INSERT INTO cache_snapshots(store, key, position, attributes) VALUES ($1, $2, $3, $4)`,
			s.Name(), record.ID(), position, attrs,
		)
		count++
	}

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}

	logging.GetFromContext(ctx).Debug("saved store snapshot", "store", s.Name(), "count", count)

	return count, nil
}

// Restore merges the latest snapshot of s into it, in the order the records
// had when the snapshot was taken
func (r *Repository) Restore(ctx context.Context, s *store.Store) (int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT key, attributes FROM cache_snapshots WHERE store=$1 ORDER BY position`,
		s.Name(),
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type row struct {
		key   string
		attrs map[string]any
	}

	restored := []row{}

	for rows.Next() {
		var key string
		var raw []byte

		if err := rows.Scan(&key, &raw); err != nil {
			return 0, err
		}

		attrs := map[string]any{}
		if err := entities.Unmarshal(raw, &attrs); err != nil {
			return 0, fmt.Errorf("snapshot of %s in %s is corrupt: %w", key, s.Name(), err)
		}
		entities.Normalize(attrs)

		restored = append(restored, row{key: key, attrs: attrs})
	}

	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, rr := range restored {
		if _, err := s.Upsert(rr.key, rr.attrs); err != nil {
			return 0, err
		}
	}

	logging.GetFromContext(ctx).Debug("restored store snapshot", "store", s.Name(), "count", len(restored))

	return len(restored), nil
}
