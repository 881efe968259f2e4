// internal/daemon/daemon.go
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/colebrumley/textguard/internal/config"
	"github.com/colebrumley/textguard/internal/excerpt"
	"github.com/colebrumley/textguard/internal/logging"
	"github.com/colebrumley/textguard/internal/mcp"
	"github.com/colebrumley/textguard/internal/random"
	"github.com/colebrumley/textguard/internal/security"
	"github.com/colebrumley/textguard/internal/session"
	"github.com/colebrumley/textguard/internal/state"
	"github.com/colebrumley/textguard/internal/sweeper"
	"github.com/fsnotify/fsnotify"
)

// Daemon serves the text and session tools over MCP stdio and keeps the
// session table swept.
type Daemon struct {
	configPath string
	config     *config.Global
	logger     *slog.Logger
	logWriter  *logging.RotatingWriter
	stateDB    *state.DB
	rng        *random.Provider
	extractor  *excerpt.Extractor
	store      *session.Store
	sweeper    *sweeper.Sweeper
	startTime  time.Time
	mu         sync.Mutex

	// serve runs the MCP server until ctx ends or the client disconnects.
	serve func(ctx context.Context, s *mcp.Server) error
}

// New creates a new daemon instance
func New(configPath string) *Daemon {
	return &Daemon{
		configPath: configPath,
		rng:        random.Default(),
		serve: func(ctx context.Context, s *mcp.Server) error {
			return s.Run(ctx)
		},
	}
}

// Run starts the daemon and blocks until ctx is cancelled or the MCP client
// closes stdin.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	if err := d.loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout carries the MCP protocol, so the fallback is stderr.
	logWriter, err := d.initLogWriter()
	if err != nil {
		d.logger = logging.NewLogger(d.config.Logging.Format, d.config.Daemon.LogLevel, os.Stderr)
		d.logger.Warn("failed to initialize rotating log writer, using stderr", "error", err)
	} else {
		d.logWriter = logWriter
		d.logger = logging.NewLogger(d.config.Logging.Format, d.config.Daemon.LogLevel, logWriter)
	}

	d.logger.Info("starting daemon", "config", d.configPath)
	d.checkPermissions()

	if err := d.initStateDB(); err != nil {
		d.logger.Warn("failed to initialize state database, sweep history will not be recorded", "error", err)
	}

	d.extractor = excerpt.New(excerptOptions(d.config))

	store, err := session.NewStore(sessionPolicy(d.config), d.rng)
	if err != nil {
		d.shutdown()
		return fmt.Errorf("creating session store: %w", err)
	}
	store.OnSampledSweep(d.recordSampledSweep)
	d.store = store

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.startSweeper(runCtx); err != nil {
		d.shutdown()
		return fmt.Errorf("starting sweeper: %w", err)
	}

	go d.startHotReload(runCtx)

	server, err := mcp.NewServer(mcp.Deps{
		Extractor: d.extractor,
		Store:     d.store,
		Random:    d.rng,
		History:   d.recorder(),
		Logger:    logging.WithComponent(d.logger, "mcp"),
	})
	if err != nil {
		d.shutdown()
		return fmt.Errorf("creating MCP server: %w", err)
	}

	d.logger.Info("daemon started", "schedule", d.sweepSchedule())

	serveErr := d.serve(runCtx, server)
	cancel()

	d.logger.Info("daemon stopping", "uptime", time.Since(d.startTime).Round(time.Second))
	d.shutdown()

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("serving MCP: %w", serveErr)
	}
	return nil
}

// initLogWriter creates the rotating log writer under the configured log dir.
func (d *Daemon) initLogWriter() (*logging.RotatingWriter, error) {
	logDir := d.config.Daemon.LogDir
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(logDir, "textguardd.log")
	maxSize := int64(d.config.Logging.MaxSizeMB) * 1024 * 1024
	return logging.NewRotatingWriter(logPath, maxSize, d.config.Logging.MaxBackups)
}

// initStateDB opens the sweep history database and prunes old rows.
func (d *Daemon) initStateDB() error {
	db, err := state.Open(d.config.Daemon.StateDB)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	d.stateDB = db

	retention := d.config.Daemon.HistoryRetentionDays
	logger := d.logger
	go func() {
		if deleted, err := db.Cleanup(retention); err != nil {
			logger.Warn("state cleanup failed", "error", err)
		} else if deleted > 0 {
			logger.Info("cleaned up old sweep records", "deleted", deleted)
		}
	}()

	return nil
}

// checkPermissions logs loudly and continues when the config file or state
// directory can be modified by other users.
func (d *Daemon) checkPermissions() {
	if err := security.ValidateFilePermissions(d.configPath); err != nil {
		d.logger.Error("CRITICAL: config file has unsafe permissions", "error", err, "path", d.configPath)
	}
	stateDir := filepath.Dir(d.config.Daemon.StateDB)
	if _, err := os.Stat(stateDir); err == nil {
		if err := security.ValidateDirectoryPermissions(stateDir); err != nil {
			d.logger.Error("CRITICAL: state directory has unsafe permissions", "error", err, "path", stateDir)
		}
	}
}

func (d *Daemon) loadConfig() error {
	cfg, err := config.LoadGlobal(d.configPath)
	if err != nil {
		return err
	}
	config.ApplyEnv(cfg)
	d.config = cfg
	return nil
}

// recorder returns the state DB as a sweeper.Recorder, or nil when history
// is unavailable.
func (d *Daemon) recorder() sweeper.Recorder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recorderLocked()
}

func (d *Daemon) recorderLocked() sweeper.Recorder {
	if d.stateDB == nil {
		return nil
	}
	return d.stateDB
}

func (d *Daemon) recordSampledSweep(stats session.SweepStats) {
	if stats.Removed > 0 {
		d.logger.Info("sessions swept", "trigger", state.TriggerSampled, "removed", stats.Removed, "remaining", stats.Remaining)
	}
	if _, err := sweeper.Record(d.recorder(), state.TriggerSampled, stats); err != nil {
		d.logger.Error("recording sampled sweep failed", "error", err)
	}
}

// startSweeper starts the scheduled sweep if enabled. Callers hold no lock.
func (d *Daemon) startSweeper(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sw, err := d.newSweeperLocked(d.config.Sessions.Sweep)
	if err != nil {
		return err
	}
	d.launchSweeperLocked(ctx, sw)
	return nil
}

// newSweeperLocked builds a sweeper for cfg without starting it. It returns
// nil when the scheduled sweep is disabled.
func (d *Daemon) newSweeperLocked(cfg config.SweepConfig) (*sweeper.Sweeper, error) {
	if !cfg.SweepEnabled() {
		return nil, nil
	}
	return sweeper.New(cfg, d.store, d.recorderLocked(), d.rng, logging.WithComponent(d.logger, "sweeper"))
}

func (d *Daemon) launchSweeperLocked(ctx context.Context, sw *sweeper.Sweeper) {
	d.sweeper = sw
	if sw == nil {
		d.logger.Info("scheduled sweep disabled")
		return
	}
	go func() {
		if err := sw.Start(ctx); err != nil && err != context.Canceled {
			d.logger.Error("sweeper error", "error", err)
		}
	}()
}

func (d *Daemon) currentConfig() *config.Global {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

func (d *Daemon) sweepSchedule() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sweeper == nil {
		return ""
	}
	return d.sweeper.Schedule()
}

// startHotReload watches the config file's directory and applies changes.
func (d *Daemon) startHotReload(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("could not create config watcher", "error", err)
		return
	}
	defer watcher.Close()

	// Editors replace files by rename, which a watch on the file itself
	// would lose.
	dir := filepath.Dir(d.configPath)
	if err := watcher.Add(dir); err != nil {
		d.logger.Error("could not watch config directory", "error", err, "dir", dir)
		return
	}

	d.logger.Info("hot-reload watcher started", "dir", dir)

	target := filepath.Clean(d.configPath)

	// Debounce: wait 1 second after last event before reloading
	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(1*time.Second, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			d.logger.Info("reloading config (hot-reload)")
			d.reloadConfig(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("config watcher error", "error", err)

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// reloadConfig re-reads the config file and applies excerpt options, the
// session policy and the sweep schedule. An invalid file leaves the running
// configuration untouched. Log settings and paths need a restart.
func (d *Daemon) reloadConfig(ctx context.Context) {
	if err := security.ValidateFilePermissions(d.configPath); err != nil {
		d.logger.Error("CRITICAL: config file has unsafe permissions", "error", err, "path", d.configPath)
	}

	cfg, err := config.LoadGlobal(d.configPath)
	if err != nil {
		d.logger.Error("config reload failed, keeping current config", "error", err)
		return
	}
	config.ApplyEnv(cfg)

	d.mu.Lock()
	defer d.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	// Everything that can fail runs before anything is applied.
	policy := sessionPolicy(cfg)
	if err := policy.Validate(); err != nil {
		d.logger.Error("config reload failed, keeping current config", "error", err)
		return
	}
	old := d.config
	sweepChanged := !sweepConfigEqual(old.Sessions.Sweep, cfg.Sessions.Sweep)
	var next *sweeper.Sweeper
	if sweepChanged {
		sw, err := d.newSweeperLocked(cfg.Sessions.Sweep)
		if err != nil {
			d.logger.Error("config reload failed, keeping current config", "error", err)
			return
		}
		next = sw
	}

	if err := d.store.SetPolicy(policy); err != nil {
		d.logger.Error("config reload failed, keeping current config", "error", err)
		return
	}
	d.extractor.SetOptions(excerptOptions(cfg))
	d.config = cfg

	if old.Daemon != cfg.Daemon || old.Logging != cfg.Logging {
		d.logger.Warn("daemon and logging settings change on restart only")
	}

	if sweepChanged {
		if d.sweeper != nil {
			d.sweeper.Stop()
		}
		d.launchSweeperLocked(ctx, next)
	}

	d.logger.Info("config reloaded",
		"idle_timeout", cfg.Sessions.IdleTimeout,
		"absolute_ttl", cfg.Sessions.AbsoluteTTL,
		"cleanup_probability", cfg.CleanupProbability(),
	)
}

func (d *Daemon) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sweeper != nil {
		d.sweeper.Stop()
		d.sweeper = nil
	}
	if d.stateDB != nil {
		d.stateDB.Close()
		d.stateDB = nil
	}
	if d.logWriter != nil {
		d.logWriter.Close()
		d.logWriter = nil
	}
}

func excerptOptions(cfg *config.Global) excerpt.Options {
	return excerpt.Options{
		ListingCap:     cfg.Excerpt.ListingCap,
		ListingLimit:   cfg.Excerpt.ListingLimit,
		ShareCap:       cfg.Excerpt.ShareCap,
		ShareLimit:     cfg.Excerpt.ShareLimit,
		WordsPerMinute: cfg.Excerpt.WordsPerMinute,
	}
}

func sessionPolicy(cfg *config.Global) session.Policy {
	return session.Policy{
		IdleTimeout:        cfg.Sessions.IdleTimeout,
		AbsoluteTTL:        cfg.Sessions.AbsoluteTTL,
		CleanupProbability: cfg.CleanupProbability(),
	}
}

func sweepConfigEqual(a, b config.SweepConfig) bool {
	return a.SweepEnabled() == b.SweepEnabled() &&
		a.CronExpression == b.CronExpression &&
		a.RunEvery == b.RunEvery &&
		a.Jitter == b.Jitter
}
