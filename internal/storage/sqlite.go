package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "quiesce/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertEntry(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.SeenAt.IsZero() {
		e.SeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(path, size, mtime, hash, seen_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(path) DO UPDATE SET
		   size=excluded.size, mtime=excluded.mtime, hash=excluded.hash, seen_at=excluded.seen_at`,
		e.Path, e.Size, e.ModTime.UnixMilli(), nullStr(e.Hash), e.SeenAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteEntry(ctx context.Context, path string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE path = ?`, path)
	return err
}

func (s *sqliteStore) GetEntry(ctx context.Context, path string) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, ErrDisabled
	}
	var (
		e     Entry
		mtime int64
		seen  int64
		hash  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, size, mtime, hash, seen_at FROM entries WHERE path = ?`, path,
	).Scan(&e.Path, &e.Size, &mtime, &hash, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.ModTime = time.UnixMilli(mtime)
	e.SeenAt = time.UnixMilli(seen)
	e.Hash = hash.String
	return e, true, nil
}

func (s *sqliteStore) CountEntries(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

func (s *sqliteStore) RecordScan(ctx context.Context, r ScanRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scans(at, took_ms, reason, indexed, removed, failed) VALUES(?,?,?,?,?,?)`,
		r.At.UnixMilli(), r.TookMS, r.Reason, r.Indexed, r.Removed, r.Failed,
	)
	return err
}

func (s *sqliteStore) RecentScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, took_ms, reason, indexed, removed, failed
		 FROM scans ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var (
			r  ScanRecord
			at int64
		)
		if err := rows.Scan(&at, &r.TookMS, &r.Reason, &r.Indexed, &r.Removed, &r.Failed); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
