// Package watcher feeds the indexer: it mirrors configured roots into an
// fsnotify watch set and forwards change events as enqueued paths plus an
// activity ping to the idle processor.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	logx "quiesce/pkg/logx"
)

type Config struct {
	Roots  []string
	Ignore []string
}

// Hooks are the downstream actions a change event can trigger. The watcher
// deliberately knows nothing about the indexer or the processor types.
type Hooks struct {
	// Enqueue registers changed paths for the next execute cycle.
	Enqueue func(paths ...string)
	// FullScan queues a walk of all roots (used on event overflow).
	FullScan func()
	// Activity marks host activity; called on every observed event.
	Activity func()
}

var errReload = errors.New("watcher: configuration changed")

// Service is a single watch lifecycle. Run returns on cancellation or on a
// config change; the caller's supervisor restarts it with the new settings.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	reloadCh chan struct{}

	hooks Hooks
	log   logx.Logger

	// Throttles per-event debug logging on noisy trees.
	evLogLimit *rate.Limiter
}

func New(cfg Config, hooks Hooks, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		reloadCh:   make(chan struct{}, 1),
		hooks:      hooks,
		log:        log,
		evLogLimit: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// Apply stores new settings and makes the current Run return, so the
// supervising restart loop brings the watcher back up against the new roots.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	changed := !equalConfig(s.cfg, cfg)
	s.cfg = cfg
	s.mu.Unlock()
	if !changed {
		return
	}
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func equalConfig(a, b Config) bool {
	if len(a.Roots) != len(b.Roots) || len(a.Ignore) != len(b.Ignore) {
		return false
	}
	for i := range a.Roots {
		if a.Roots[i] != b.Roots[i] {
			return false
		}
	}
	for i := range a.Ignore {
		if a.Ignore[i] != b.Ignore[i] {
			return false
		}
	}
	return true
}

// Run watches the configured roots until ctx is cancelled or the config
// changes. It returns nil only on cancellation, so restart supervision treats
// config reloads and watcher failures alike.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watched := 0
	for _, root := range cfg.Roots {
		n, err := s.addTree(w, root, cfg)
		if err != nil {
			s.log.Warn("watch root failed", logx.String("root", root), logx.Err(err))
			continue
		}
		watched += n
	}
	s.log.Info("watcher started", logx.Int("roots", len(cfg.Roots)), logx.Int("dirs", watched))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reloadCh:
			s.log.Info("watcher reloading")
			return errReload
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher: event channel closed")
			}
			s.handleEvent(w, ev, cfg)
		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher: error channel closed")
			}
			if werr == nil {
				continue
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				s.log.Warn("watch queue overflowed, forcing full scan")
				if s.hooks.FullScan != nil {
					s.hooks.FullScan()
				}
				if s.hooks.Activity != nil {
					s.hooks.Activity()
				}
				continue
			}
			return werr
		}
	}
}

func (s *Service) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event, cfg Config) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	if s.ignored(ev.Name, cfg) {
		return
	}
	if s.evLogLimit.Allow() {
		s.log.Debug("fs event", logx.String("op", ev.Op.String()), logx.String("path", ev.Name))
	}

	// New directories are not covered by the parent's watch; bring the whole
	// subtree in before any file inside it can change unseen.
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if _, err := s.addTree(w, ev.Name, cfg); err != nil {
				s.log.Warn("watch new dir failed", logx.String("path", ev.Name), logx.Err(err))
			}
		}
	}

	if s.hooks.Enqueue != nil {
		s.hooks.Enqueue(ev.Name)
	}
	if s.hooks.Activity != nil {
		s.hooks.Activity()
	}
}

// addTree registers root and every directory below it, skipping ignored
// subtrees. Returns the number of directories added.
func (s *Service) addTree(w *fsnotify.Watcher, root string, cfg Config) (int, error) {
	added := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if s.ignored(path, cfg) && path != root {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return err
		}
		added++
		return nil
	})
	return added, err
}

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
