// Package indexer is the unit of work behind the idle processor: it collects
// changed paths into a pending set (the work source) and catalogs them when
// the processor decides the host is quiet (the work executor).
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"quiesce/internal/eventbus"
	"quiesce/internal/storage"
	logx "quiesce/pkg/logx"
)

type Config struct {
	Roots  []string
	Ignore []string

	// HashLimitBytes caps content hashing; larger files are cataloged by
	// size+mtime only. 0 disables hashing.
	HashLimitBytes int64
	HistorySize    int
}

// RunItem is one completed execute cycle, kept in a bounded ring for
// operator diagnostics.
type RunItem struct {
	At      time.Time     `json:"at"`
	Took    time.Duration `json:"took"`
	Reason  string        `json:"reason"`
	Indexed int           `json:"indexed"`
	Removed int           `json:"removed"`
	Failed  int           `json:"failed"`
}

// ScanEvent is the eventbus payload for scan lifecycle events.
type ScanEvent struct {
	Reason  string        `json:"reason"`
	Paths   int           `json:"paths"`
	Took    time.Duration `json:"took,omitempty"`
	Indexed int           `json:"indexed,omitempty"`
	Removed int           `json:"removed,omitempty"`
	Failed  int           `json:"failed,omitempty"`
}

type Snapshot struct {
	Pending        int       `json:"pending"`
	FullScanQueued bool      `json:"full_scan_queued"`
	History        []RunItem `json:"history"`
}

// Service implements both collaborator roles of the idle processor.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	pmu      sync.Mutex
	pending  map[string]struct{}
	fullScan bool
	wake     chan struct{}

	hmu     sync.Mutex
	history []RunItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		pending: map[string]struct{}{},
		wake:    make(chan struct{}, 1),
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Enqueue coalesces changed paths into the pending set and wakes the
// processor's wait-for-work step. Never blocks; duplicate paths collapse.
func (s *Service) Enqueue(paths ...string) {
	if len(paths) == 0 {
		return
	}
	s.pmu.Lock()
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		s.pending[filepath.Clean(p)] = struct{}{}
	}
	n := len(s.pending)
	s.pmu.Unlock()

	s.wakeUp()
	s.log.Trace("paths enqueued", logx.Int("batch", len(paths)), logx.Int("pending", n))
}

// EnqueueFullScan queues a walk of every configured root.
func (s *Service) EnqueueFullScan() {
	s.pmu.Lock()
	s.fullScan = true
	s.pmu.Unlock()
	s.wakeUp()
	s.log.Debug("full scan queued")
}

func (s *Service) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WaitForWork suspends until the pending set is non-empty or ctx fires.
// This is the idle processor's work-availability step.
func (s *Service) WaitForWork(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.pmu.Lock()
		has := len(s.pending) > 0 || s.fullScan
		s.pmu.Unlock()
		if has {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

func (s *Service) takeWork() (paths []string, full bool) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	full = s.fullScan
	s.fullScan = false
	if len(s.pending) > 0 {
		paths = make([]string, 0, len(s.pending))
		for p := range s.pending {
			paths = append(paths, p)
		}
		s.pending = map[string]struct{}{}
	}
	return paths, full
}

// Process drains the pending set and catalogs every path in it. This is the
// idle processor's execute step.
//
// Per-file problems are counted and logged, not returned: a single unreadable
// file must not kill the background loop. Only cancellation aborts the scan.
func (s *Service) Process(ctx context.Context) error {
	paths, full := s.takeWork()
	if len(paths) == 0 && !full {
		return nil
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	reason := "watch"
	if full {
		reason = "rescan"
	}
	start := time.Now()
	s.publish(eventbus.TypeScanStarted, ScanEvent{Reason: reason, Paths: len(paths)})

	var indexed, removed, failed int
	if full {
		for _, root := range cfg.Roots {
			if err := s.walkRoot(ctx, root, cfg, &indexed, &failed); err != nil {
				return err
			}
		}
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.ignored(p, cfg) {
			continue
		}
		switch i, r, err := s.indexPath(ctx, p, cfg); {
		case err != nil:
			failed++
			s.log.Warn("index failed", logx.String("path", p), logx.Err(err))
		default:
			indexed += i
			removed += r
		}
	}

	took := time.Since(start)
	item := RunItem{At: start, Took: took, Reason: reason, Indexed: indexed, Removed: removed, Failed: failed}
	s.recordRun(ctx, item, cfg)

	ev := ScanEvent{Reason: reason, Paths: len(paths), Took: took, Indexed: indexed, Removed: removed, Failed: failed}
	if failed > 0 {
		s.publish(eventbus.TypeScanFailed, ev)
	} else {
		s.publish(eventbus.TypeScanFinished, ev)
	}
	s.log.Info("scan finished",
		logx.String("reason", reason), logx.Duration("dur", took),
		logx.Int("indexed", indexed), logx.Int("removed", removed), logx.Int("failed", failed))
	return nil
}

// indexPath catalogs one path: files are upserted, vanished paths deleted,
// directories walked shallowly into the catalog.
func (s *Service) indexPath(ctx context.Context, path string, cfg Config) (indexed, removed int, err error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		if s.store != nil {
			if derr := s.store.DeleteEntry(ctx, path); derr != nil {
				return 0, 0, derr
			}
		}
		return 0, 1, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if fi.IsDir() {
		if err := s.walkRoot(ctx, path, cfg, &indexed, new(int)); err != nil {
			return indexed, 0, err
		}
		return indexed, 0, nil
	}
	if err := s.indexFile(ctx, path, fi, cfg); err != nil {
		return 0, 0, err
	}
	return 1, 0, nil
}

func (s *Service) indexFile(ctx context.Context, path string, fi fs.FileInfo, cfg Config) error {
	e := storage.Entry{
		Path:    path,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		SeenAt:  time.Now(),
	}
	if cfg.HashLimitBytes > 0 && fi.Size() <= cfg.HashLimitBytes {
		h, err := hashFile(path)
		if err != nil {
			return err
		}
		e.Hash = h
	}
	if s.store == nil {
		return nil
	}
	return s.store.UpsertEntry(ctx, e)
}

func (s *Service) walkRoot(ctx context.Context, root string, cfg Config, indexed, failed *int) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			*failed++
			s.log.Warn("walk failed", logx.String("path", path), logx.Err(err))
			return nil
		}
		if s.ignored(path, cfg) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			*failed++
			return nil
		}
		if err := s.indexFile(ctx, path, fi, cfg); err != nil {
			*failed++
			s.log.Warn("index failed", logx.String("path", path), logx.Err(err))
			return nil
		}
		*indexed++
		return nil
	})
}

// ignored matches a path against the configured ignore patterns: glob match
// on the basename, or substring match for patterns containing a separator.
func (s *Service) ignored(path string, cfg Config) bool {
	base := filepath.Base(path)
	for _, pat := range cfg.Ignore {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if strings.ContainsRune(pat, filepath.Separator) {
			if strings.Contains(path, pat) {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Service) recordRun(ctx context.Context, item RunItem, cfg Config) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	limit := cfg.HistorySize
	if limit <= 0 {
		limit = 200
	}
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()

	if s.store != nil {
		rec := storage.ScanRecord{
			At:      item.At,
			TookMS:  item.Took.Milliseconds(),
			Reason:  item.Reason,
			Indexed: item.Indexed,
			Removed: item.Removed,
			Failed:  item.Failed,
		}
		if err := s.store.RecordScan(ctx, rec); err != nil {
			s.log.Warn("scan record write failed", logx.Err(err))
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.pmu.Lock()
	pending := len(s.pending)
	full := s.fullScan
	s.pmu.Unlock()

	s.hmu.Lock()
	hist := make([]RunItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{Pending: pending, FullScanQueued: full, History: hist}
}

func (s *Service) publish(typ string, ev ScanEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
