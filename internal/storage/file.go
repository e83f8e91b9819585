package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "quiesce/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.scans.jsonl            (append-only JSON Lines)
//   - <prefix>.catalog.snapshot.json  (periodic snapshot)
//   - <prefix>.catalog.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	scansPath string
	scansFile *os.File

	snapshotPath string
	journalFile  *os.File
	entries      map[string]Entry

	journalWrites int
}

// compactEvery bounds journal growth between snapshots.
const compactEvery = 500

type journalRecord struct {
	Op    string `json:"op"` // "put" | "del"
	Entry Entry  `json:"entry"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	scansPath := prefix + ".scans.jsonl"
	snapPath := prefix + ".catalog.snapshot.json"
	journalPath := prefix + ".catalog.journal.jsonl"

	sf, err := os.OpenFile(scansPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Rebuild the catalog from snapshot + journal replay.
	entries := map[string]Entry{}
	_ = loadSnapshot(snapPath, entries)
	_ = replayJournal(journalPath, entries)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = sf.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		scansPath:    scansPath,
		scansFile:    sf,
		snapshotPath: snapPath,
		journalFile:  jf,
		entries:      entries,
	}, nil
}

func loadSnapshot(path string, into map[string]Entry) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var list []Entry
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, e := range list {
		into[e.Path] = e
	}
	return nil
}

func replayJournal(path string, into map[string]Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Torn tail write; everything before it already applied.
			continue
		}
		switch rec.Op {
		case "put":
			into[rec.Entry.Path] = rec.Entry
		case "del":
			delete(into, rec.Entry.Path)
		}
	}
	return sc.Err()
}

func (s *fileStore) appendJournalLocked(rec journalRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.journalFile.Write(append(b, '\n')); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites >= compactEvery {
		s.compactLocked()
	}
	return nil
}

// compactLocked folds the journal into a fresh snapshot (tmp + rename) and
// truncates the journal. Best-effort: on failure the journal keeps growing.
func (s *fileStore) compactLocked() {
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	b, err := json.Marshal(list)
	if err != nil {
		return
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		s.log.Warn("catalog snapshot write failed", logx.Err(err))
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		s.log.Warn("catalog snapshot rename failed", logx.Err(err))
		return
	}
	if err := s.journalFile.Truncate(0); err != nil {
		s.log.Warn("catalog journal truncate failed", logx.Err(err))
		return
	}
	if _, err := s.journalFile.Seek(0, 0); err != nil {
		s.log.Warn("catalog journal seek failed", logx.Err(err))
	}
	s.journalWrites = 0
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactLocked()
	var first error
	if err := s.journalFile.Close(); err != nil {
		first = err
	}
	if err := s.scansFile.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (s *fileStore) UpsertEntry(_ context.Context, e Entry) error {
	if e.SeenAt.IsZero() {
		e.SeenAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Path] = e
	return s.appendJournalLocked(journalRecord{Op: "put", Entry: e})
}

func (s *fileStore) DeleteEntry(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[path]; !ok {
		return nil
	}
	delete(s.entries, path)
	return s.appendJournalLocked(journalRecord{Op: "del", Entry: Entry{Path: path}})
}

func (s *fileStore) GetEntry(_ context.Context, path string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	return e, ok, nil
}

func (s *fileStore) CountEntries(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

func (s *fileStore) RecordScan(_ context.Context, r ScanRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.scansFile.Write(append(b, '\n'))
	return err
}

func (s *fileStore) RecentScans(_ context.Context, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	path := s.scansPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []ScanRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r ScanRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		all = append(all, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	// Newest first, matching the sqlite driver.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}
