// internal/config/types.go
package config

import "time"

// Global configuration loaded from config.yaml
type Global struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
	Excerpt  ExcerptConfig  `yaml:"excerpt"`
	Sessions SessionsConfig `yaml:"sessions"`
}

type DaemonConfig struct {
	LogLevel             string `yaml:"log_level"`
	LogDir               string `yaml:"log_dir"`
	StateDB              string `yaml:"state_db"`
	HistoryRetentionDays int    `yaml:"history_retention_days"`
}

type LoggingConfig struct {
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ExcerptConfig holds the stripping caps used by the excerpt callers.
// Caps bound the stripper's work; limits cut the final text.
type ExcerptConfig struct {
	ListingCap     int `yaml:"listing_cap"`
	ListingLimit   int `yaml:"listing_limit"`
	ShareCap       int `yaml:"share_cap"`
	ShareLimit     int `yaml:"share_limit"`
	WordsPerMinute int `yaml:"words_per_minute"`
}

type SessionsConfig struct {
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	AbsoluteTTL        time.Duration `yaml:"absolute_ttl"`
	CleanupProbability *float64      `yaml:"cleanup_probability"` // nil = default, 0 disables sampled sweeps
	Sweep              SweepConfig   `yaml:"sweep"`
}

type SweepConfig struct {
	Enabled        *bool   `yaml:"enabled"` // nil = enabled
	CronExpression string  `yaml:"cron_expression"`
	RunEvery       string  `yaml:"run_every"`
	Jitter         float64 `yaml:"jitter"` // fraction of the interval, 0-1
}

// SweepEnabled reports whether the scheduled sweep should run.
func (s SweepConfig) SweepEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
