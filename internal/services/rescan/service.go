// Package rescan runs the periodic full-scan trigger. It does not scan
// anything itself; on schedule it queues a full walk with the indexer and
// pings the idle processor so the scan runs at the next quiet window.
package rescan

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "quiesce/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec; seconds field optional
	Timezone string // IANA name; empty means local time
}

// Trigger is what firing the schedule does.
type Trigger func()

type Service struct {
	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	parser  cron.Parser
	trigger Trigger
	log     logx.Logger
}

func New(cfg Config, trigger Trigger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		trigger: trigger,
		log:     log,
	}
}

// Validate checks a config without starting anything. Used by the config
// manager so bad schedules are rejected at load time, not at fire time.
func (s *Service) Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		return fmt.Errorf("rescan: schedule required when enabled")
	}
	if _, err := s.parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("rescan: bad schedule %q: %w", cfg.Schedule, err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("rescan: bad timezone %q: %w", cfg.Timezone, err)
		}
	}
	return nil
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	if err := s.Validate(s.cfg); err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, _ = time.LoadLocation(tz)
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.Schedule, s.fire); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("rescan scheduled", logx.String("spec", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) fire() {
	s.log.Debug("rescan fired")
	if s.trigger != nil {
		s.trigger()
	}
}

// Stop halts the schedule and waits for an in-flight trigger to return.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Apply restarts the schedule when spec, timezone, or enablement changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	same := old.Enabled == cfg.Enabled &&
		strings.TrimSpace(old.Schedule) == strings.TrimSpace(cfg.Schedule) &&
		strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone)
	running := s.c != nil
	s.mu.Unlock()
	if same {
		return nil
	}
	if running {
		s.Stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}
