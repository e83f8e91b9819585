package storage

import (
	"context"
	"errors"
	"strings"

	logx "quiesce/pkg/logx"
)

// Store is the minimal persistence API used by the indexer.
type Store interface {
	UpsertEntry(ctx context.Context, e Entry) error
	DeleteEntry(ctx context.Context, path string) error
	GetEntry(ctx context.Context, path string) (Entry, bool, error)
	CountEntries(ctx context.Context) (int64, error)
	RecordScan(ctx context.Context, r ScanRecord) error
	RecentScans(ctx context.Context, limit int) ([]ScanRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
