package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	path  TEXT PRIMARY KEY,
	value JSONB NOT NULL
)`

// Postgres backs the key-path store with a single kv table. Transactions run
// at SERIALIZABLE isolation; postgres serialization failures (SQLSTATE 40001)
// surface as ErrConflict so callers can retry.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and ensures the kv table exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(connectCtx, kvSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure kv table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Get(path Path, dest any) error {
	var raw []byte
	err := t.tx.QueryRow(t.ctx, `SELECT value FROM kv WHERE path = $1`, path.String()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	return decodeJSON(path, raw, dest)
}

func (t *pgTx) Put(path Path, value any) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO kv (path, value) VALUES ($1, $2) ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value`,
		path.String(), value)
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (t *pgTx) Create(path Path, value any) error {
	tag, err := t.tx.Exec(t.ctx,
		`INSERT INTO kv (path, value) VALUES ($1, $2) ON CONFLICT (path) DO NOTHING`,
		path.String(), value)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	return nil
}

func (t *pgTx) Delete(path Path) error {
	tag, err := t.tx.Exec(t.ctx, `DELETE FROM kv WHERE path = $1`, path.String())
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return nil
}

func (t *pgTx) List(prefix Path) ([]Entry, error) {
	// Escape LIKE wildcards so "_" or "%" in a segment matches only itself.
	lead := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix.String() + "/")
	rows, err := t.tx.Query(t.ctx,
		`SELECT path, value FROM kv WHERE path LIKE $1 ORDER BY path`,
		lead+"%")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		entries = append(entries, Entry{Path: ParsePath(key), Value: raw})
	}
	return entries, rows.Err()
}

func decodeJSON(path Path, raw []byte, dest any) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
