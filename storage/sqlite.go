package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA busy_timeout=5000;`,
	`CREATE TABLE IF NOT EXISTS blobs (
		blob_key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		version TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_blobs_updated_at ON blobs(updated_at);`,
}

// SQLite is a single-file store for one host, e.g. a laptop running the
// league without any cloud account.
type SQLite struct {
	db  *sqlx.DB
	now func() time.Time
}

type sqliteRow struct {
	Key       string `db:"blob_key"`
	Data      []byte `db:"data"`
	Version   string `db:"version"`
	UpdatedAt string `db:"updated_at"`
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) (*Object, error) {
	var row sqliteRow
	err := s.db.GetContext(ctx, &row, `
		SELECT blob_key, data, version, updated_at
		FROM blobs
		WHERE blob_key = ?
	`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &Object{Key: row.Key, Data: row.Data, Version: row.Version, ModifiedAt: parseStamp(row.UpdatedAt)}, nil
}

func (s *SQLite) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (blob_key, data, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(blob_key) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, key, data, ContentVersion(data), s.stamp())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) CreateIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (blob_key, data, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(blob_key) DO NOTHING
	`, key, data, ContentVersion(data), s.stamp())
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) Delete(ctx context.Context, key string, ifVersion string) (bool, error) {
	var res sql.Result
	var err error
	if ifVersion == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM blobs WHERE blob_key = ?`, key)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM blobs WHERE blob_key = ? AND version = ?`, key, ifVersion)
	}
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	rows := []sqliteRow{}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT blob_key, version, updated_at
		FROM blobs
		WHERE substr(blob_key, 1, ?) = ?
		ORDER BY blob_key
	`, len(prefix), prefix); err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	out := make([]ObjectInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, ObjectInfo{Key: r.Key, Version: r.Version, ModifiedAt: parseStamp(r.UpdatedAt)})
	}
	return out, nil
}

func (s *SQLite) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseStamp(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
