package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the default durable seen-URL log.
type SQLite struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLite creates or opens the seen-URL database at dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps WAL contention out of the picture.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.dbPath }

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seen_listings (
		url TEXT PRIMARY KEY,
		first_seen_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_seen_first_seen ON seen_listings(first_seen_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert adds urls, keeping the first-seen time of rows already present.
func (s *SQLite) Insert(ctx context.Context, urls []string, at time.Time) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO seen_listings (url, first_seen_at) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	ts := at.UnixMilli()
	inserted := 0
	for _, u := range urls {
		res, err := stmt.ExecContext(ctx, u, ts)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert %s: %w", u, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// Exists reports whether url is in the log.
func (s *SQLite) Exists(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen_listings WHERE url = ?`, url).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Recent returns up to limit of the newest URLs, oldest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url FROM (
			SELECT url, first_seen_at, rowid AS rid FROM seen_listings
			ORDER BY first_seen_at DESC, rid DESC LIMIT ?
		) ORDER BY first_seen_at ASC, rid ASC`, limit)
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
func (s *SQLite) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_listings WHERE first_seen_at > 0 AND first_seen_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteLegacy removes up to batch rows recorded without a timestamp.
func (s *SQLite) DeleteLegacy(ctx context.Context, batch int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM seen_listings WHERE rowid IN (
			SELECT rowid FROM seen_listings WHERE first_seen_at <= 0 LIMIT ?
		)`, batch)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Compact runs VACUUM.
func (s *SQLite) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// Clear deletes every row.
func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen_listings`)
	return err
}

// Count returns the number of rows.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_listings`).Scan(&n)
	return n, err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// insertRaw writes a row with an explicit timestamp, bypassing conflict
// handling. Used to seed legacy rows.
func (s *SQLite) insertRaw(ctx context.Context, url string, firstSeenMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO seen_listings (url, first_seen_at) VALUES (?, ?)`, url, firstSeenMillis)
	return err
}

// OpenDurable opens the durable store for driver. "sqlite" uses path, and
// "postgres" uses dsn.
func OpenDurable(ctx context.Context, driver, path, dsn string, maxConns int32) (Durable, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql", "pgx":
		p, err := OpenPostgres(ctx, dsn, maxConns)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "memory", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
