// internal/config/loader.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCleanupProbability = 0.01
	DefaultStateDB            = "/var/lib/textguard/state.db"
	DefaultLogDir             = "/var/log/textguard"
)

// LoadGlobal loads the global configuration from a YAML file
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config data, applies defaults and validates the result.
func Parse(data []byte) (*Global, error) {
	var cfg Global
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyGlobalDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Environment overrides for deployment paths.
const (
	EnvConfig  = "TEXTGUARD_CONFIG"
	EnvStateDB = "TEXTGUARD_STATE_DB"
	EnvLogDir  = "TEXTGUARD_LOG_DIR"
)

// ApplyEnv overrides the state DB and log directory from the environment.
func ApplyEnv(cfg *Global) {
	if v := os.Getenv(EnvStateDB); v != "" {
		cfg.Daemon.StateDB = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		cfg.Daemon.LogDir = v
	}
}

// Default returns a configuration with every default applied.
func Default() *Global {
	var cfg Global
	applyGlobalDefaults(&cfg)
	return &cfg
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Global) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// CleanupProbability returns the configured sampled-sweep probability.
func (c *Global) CleanupProbability() float64 {
	if c.Sessions.CleanupProbability == nil {
		return DefaultCleanupProbability
	}
	return *c.Sessions.CleanupProbability
}

func applyGlobalDefaults(cfg *Global) {
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Daemon.LogDir == "" {
		cfg.Daemon.LogDir = DefaultLogDir
	}
	if cfg.Daemon.StateDB == "" {
		cfg.Daemon.StateDB = DefaultStateDB
	}
	if cfg.Daemon.HistoryRetentionDays <= 0 {
		cfg.Daemon.HistoryRetentionDays = 90
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Excerpt.ListingCap == 0 {
		cfg.Excerpt.ListingCap = 160
	}
	if cfg.Excerpt.ListingLimit == 0 {
		cfg.Excerpt.ListingLimit = 150
	}
	if cfg.Excerpt.ShareCap == 0 {
		cfg.Excerpt.ShareCap = 110
	}
	if cfg.Excerpt.ShareLimit == 0 {
		cfg.Excerpt.ShareLimit = 100
	}
	if cfg.Excerpt.WordsPerMinute == 0 {
		cfg.Excerpt.WordsPerMinute = 200
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = 30 * time.Minute
	}
	if cfg.Sessions.AbsoluteTTL == 0 {
		cfg.Sessions.AbsoluteTTL = 8 * time.Hour
	}
	if cfg.Sessions.CleanupProbability == nil {
		p := DefaultCleanupProbability
		cfg.Sessions.CleanupProbability = &p
	}
	if cfg.Sessions.Sweep.CronExpression == "" && cfg.Sessions.Sweep.RunEvery == "" {
		cfg.Sessions.Sweep.RunEvery = "10m"
	}
}

// Validate checks a configuration after defaults have been applied.
// Out-of-range probabilities are rejected here rather than clamped.
func Validate(cfg *Global) error {
	var errs []error

	switch cfg.Daemon.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q (want debug, info, warn or error)", cfg.Daemon.LogLevel))
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("invalid logging format %q (want json or text)", cfg.Logging.Format))
	}

	ex := cfg.Excerpt
	for _, f := range []struct {
		name string
		v    int
	}{
		{"listing_cap", ex.ListingCap},
		{"listing_limit", ex.ListingLimit},
		{"share_cap", ex.ShareCap},
		{"share_limit", ex.ShareLimit},
		{"words_per_minute", ex.WordsPerMinute},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("excerpt %s must be positive, got %d", f.name, f.v))
		}
	}

	s := cfg.Sessions
	if s.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("sessions idle_timeout must be positive, got %s", s.IdleTimeout))
	}
	if s.AbsoluteTTL < 0 {
		errs = append(errs, fmt.Errorf("sessions absolute_ttl must be positive, got %s", s.AbsoluteTTL))
	}
	if p := s.CleanupProbability; p != nil && !(*p >= 0 && *p <= 1) {
		errs = append(errs, fmt.Errorf("sessions cleanup_probability (%v) must be in range [0, 1]", *p))
	}
	if !(s.Sweep.Jitter >= 0 && s.Sweep.Jitter <= 1) {
		errs = append(errs, fmt.Errorf("sessions sweep jitter (%v) must be in range [0, 1]", s.Sweep.Jitter))
	}
	if s.Sweep.CronExpression != "" && s.Sweep.RunEvery != "" {
		errs = append(errs, errors.New("sessions sweep: set either cron_expression or run_every, not both"))
	}
	if expr := s.Sweep.CronExpression; expr != "" {
		if _, err := ParseSchedule(expr); err != nil {
			errs = append(errs, fmt.Errorf("sessions sweep cron_expression: %w", err))
		}
	}
	if every := s.Sweep.RunEvery; every != "" {
		if err := validateRunEvery(every); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a sweep cron expression with a leading seconds field
// ("0 */10 * * * *") or a descriptor such as "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// validateRunEvery accepts whole minutes (1-59) or hours (1-23) such as
// "15m" or "2h", the forms the sweeper can turn into a cron step.
func validateRunEvery(v string) error {
	bad := fmt.Errorf("sessions sweep run_every %q must look like 15m or 2h", v)
	if len(v) < 2 {
		return bad
	}
	n, err := strconv.Atoi(v[:len(v)-1])
	if err != nil || n <= 0 {
		return bad
	}
	switch v[len(v)-1] {
	case 'm':
		if n > 59 {
			return bad
		}
	case 'h':
		if n > 23 {
			return bad
		}
	default:
		return bad
	}
	return nil
}
