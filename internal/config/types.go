package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the daemon's full configuration. Files may be JSON or YAML;
// unknown fields are rejected so typos fail loudly at load time.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Watch   WatchConfig   `json:"watch"`
	Idle    IdleConfig    `json:"idle"`
	Index   IndexConfig   `json:"index"`
	Storage StorageConfig `json:"storage"`
	Rescan  RescanConfig  `json:"rescan"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console *bool         `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ConsoleEnabled defaults to true when the field is omitted.
func (c LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

type WatchConfig struct {
	Roots  []string `json:"roots"`
	Ignore []string `json:"ignore"`
}

// IdleConfig tunes the quiesce window of the idle processor.
//
// backOffTimeSpanInMS is the canonical knob (integer milliseconds). The
// duration-string fields exist for consistency with the rest of the file;
// when both forms are set, the explicit millisecond key wins.
type IdleConfig struct {
	BackOffTimeSpanInMS int    `json:"backOffTimeSpanInMS"`
	BackOff             string `json:"back_off"`
	MinDelay            string `json:"min_delay"`
	GraceDelay          string `json:"grace_delay"`
}

func (c IdleConfig) BackOffDuration() (time.Duration, error) {
	if c.BackOffTimeSpanInMS < 0 {
		return 0, errors.New("idle.backOffTimeSpanInMS: must be >= 0")
	}
	if c.BackOffTimeSpanInMS > 0 {
		return time.Duration(c.BackOffTimeSpanInMS) * time.Millisecond, nil
	}
	return ParseDurationField("idle.back_off", c.BackOff)
}

func (c IdleConfig) MinDelayDuration() (time.Duration, error) {
	return ParseDurationField("idle.min_delay", c.MinDelay)
}

func (c IdleConfig) GraceDelayDuration() (time.Duration, error) {
	return ParseDurationField("idle.grace_delay", c.GraceDelay)
}

type IndexConfig struct {
	// HashLimitBytes caps content hashing: larger files are cataloged by
	// size+mtime only. 0 disables hashing entirely.
	HashLimitBytes int64 `json:"hash_limit_bytes"`
	HistorySize    int   `json:"history_size"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type RescanConfig struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
}

// Validate checks everything that can fail without touching the filesystem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.Idle.BackOffDuration(); err != nil {
		return err
	}
	if _, err := c.Idle.MinDelayDuration(); err != nil {
		return err
	}
	if _, err := c.Idle.GraceDelayDuration(); err != nil {
		return err
	}
	if c.Index.HashLimitBytes < 0 {
		return errors.New("index.hash_limit_bytes: must be >= 0")
	}
	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	for i, r := range c.Watch.Roots {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("watch.roots[%d]: empty path", i)
		}
	}
	return nil
}
