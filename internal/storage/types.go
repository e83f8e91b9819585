package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures catalog persistence.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one cataloged file. Keep it compact and schema-stable.
type Entry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	Hash    string    `json:"hash,omitempty"`
	SeenAt  time.Time `json:"seen_at"`
}

// ScanRecord summarizes one execute cycle of the indexer.
type ScanRecord struct {
	At      time.Time `json:"at"`
	TookMS  int64     `json:"took_ms"`
	Reason  string    `json:"reason"`
	Indexed int       `json:"indexed"`
	Removed int       `json:"removed"`
	Failed  int       `json:"failed"`
}
