package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresBatch bounds the number of statements queued per round trip.
const postgresBatch = 200

// Postgres is a durable seen-URL log for deployments that share one database
// between instances.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres driver requires a DSN")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS seen_listings (
			url TEXT PRIMARY KEY,
			first_seen_at BIGINT NOT NULL DEFAULT 0
		)`); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_seen_first_seen ON seen_listings (first_seen_at)`)
	return err
}

// Insert queues one insert per URL and sends them in batches.
func (p *Postgres) Insert(ctx context.Context, urls []string, at time.Time) (int, error) {
	ts := at.UnixMilli()
	total := 0
	for i := 0; i < len(urls); i += postgresBatch {
		j := min(i+postgresBatch, len(urls))
		b := &pgx.Batch{}
		for _, u := range urls[i:j] {
			b.Queue(`INSERT INTO seen_listings (url, first_seen_at) VALUES ($1, $2) ON CONFLICT (url) DO NOTHING`, u, ts)
		}
		br := p.pool.SendBatch(ctx, b)
		for k := i; k < j; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, err
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Exists reports whether url is in the log.
func (p *Postgres) Exists(ctx context.Context, url string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, `SELECT 1 FROM seen_listings WHERE url = $1`, url).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Recent returns up to limit of the newest URLs, oldest first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT url FROM (
			SELECT url, first_seen_at FROM seen_listings
			ORDER BY first_seen_at DESC LIMIT $1
		) recent ORDER BY first_seen_at ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteBefore removes rows first seen before cutoff.
func (p *Postgres) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM seen_listings WHERE first_seen_at > 0 AND first_seen_at < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteLegacy removes up to batch rows recorded without a timestamp.
func (p *Postgres) DeleteLegacy(ctx context.Context, batch int) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM seen_listings WHERE ctid IN (
			SELECT ctid FROM seen_listings WHERE first_seen_at <= 0 LIMIT $1
		)`, batch)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Compact runs VACUUM on the table.
func (p *Postgres) Compact(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `VACUUM seen_listings`)
	return err
}

// Clear deletes every row.
func (p *Postgres) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `TRUNCATE seen_listings`)
	return err
}

// Count returns the number of rows.
func (p *Postgres) Count(ctx context.Context) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM seen_listings`).Scan(&n)
	return n, err
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
