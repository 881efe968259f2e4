// internal/daemon/daemon_test.go
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/colebrumley/textguard/internal/config"
	"github.com/colebrumley/textguard/internal/mcp"
	"github.com/colebrumley/textguard/internal/session"
	"github.com/colebrumley/textguard/internal/state"
)

type testEnv struct {
	dir        string
	configPath string
	logDir     string
	stateDB    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		logDir:     filepath.Join(dir, "logs"),
		stateDB:    filepath.Join(dir, "state", "state.db"),
	}
	env.writeConfig(t, "30m", 150, "* * * * * *")
	return env
}

func (e *testEnv) configYAML(idle string, listingLimit int, cron string) []byte {
	return []byte(fmt.Sprintf(`daemon:
  log_level: debug
  log_dir: %s
  state_db: %s
logging:
  format: text
excerpt:
  listing_limit: %d
sessions:
  idle_timeout: %s
  cleanup_probability: 0
  sweep:
    cron_expression: "%s"
`, e.logDir, e.stateDB, listingLimit, idle, cron))
}

func (e *testEnv) writeConfig(t *testing.T, idle string, listingLimit int, cron string) {
	t.Helper()
	if err := os.WriteFile(e.configPath, e.configYAML(idle, listingLimit, cron), 0600); err != nil {
		t.Fatal(err)
	}
}

// runDaemon starts d with serve replaced by fn and returns Run's result
// channel.
func runDaemon(ctx context.Context, d *Daemon, fn func(ctx context.Context, s *mcp.Server) error) <-chan error {
	d.serve = fn
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	return errCh
}

func TestRun_StartsAndStops(t *testing.T) {
	env := newTestEnv(t)
	d := New(env.configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan *mcp.Server, 1)
	errCh := runDaemon(ctx, d, func(ctx context.Context, s *mcp.Server) error {
		served <- s
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case s := <-served:
		if s == nil {
			t.Fatal("serve called with nil server")
		}
	case err := <-errCh:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for daemon to serve")
	}

	// Let the every-second schedule fire at least once.
	time.Sleep(2500 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for daemon to stop")
	}

	if _, err := os.Stat(filepath.Join(env.logDir, "textguardd.log")); err != nil {
		t.Errorf("log file not created: %v", err)
	}

	db, err := state.Open(env.stateDB)
	if err != nil {
		t.Fatalf("reopening state db: %v", err)
	}
	defer db.Close()
	records, err := db.GetHistory(state.TriggerScheduled, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Error("expected at least one scheduled sweep in history")
	}
}

func TestRun_ClientDisconnectStopsDaemon(t *testing.T) {
	env := newTestEnv(t)
	d := New(env.configPath)

	errCh := runDaemon(context.Background(), d, func(ctx context.Context, s *mcp.Server) error {
		return nil
	})

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after serve returned")
	}
}

func TestRun_ServeError(t *testing.T) {
	env := newTestEnv(t)
	d := New(env.configPath)

	errCh := runDaemon(context.Background(), d, func(ctx context.Context, s *mcp.Server) error {
		return fmt.Errorf("broken pipe")
	})

	if err := <-errCh; err == nil {
		t.Error("Run() should surface a serve error")
	}
}

func TestRun_MissingConfig(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing.yaml"))
	if err := d.Run(context.Background()); err == nil {
		t.Error("Run() should fail without a config file")
	}
}

func TestReloadConfig(t *testing.T) {
	env := newTestEnv(t)
	d := New(env.configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checked := make(chan error, 1)
	errCh := runDaemon(ctx, d, func(ctx context.Context, s *mcp.Server) error {
		if err := os.WriteFile(env.configPath, env.configYAML("5m", 40, "0 */5 * * * *"), 0600); err != nil {
			checked <- err
			return err
		}
		d.reloadConfig(ctx)

		var err error
		if got := d.store.Policy().IdleTimeout; got != 5*time.Minute {
			err = fmt.Errorf("idle timeout = %v, want 5m", got)
		} else if got := d.extractor.Options().ListingLimit; got != 40 {
			err = fmt.Errorf("listing limit = %d, want 40", got)
		} else if got := d.sweepSchedule(); got != "0 */5 * * * *" {
			err = fmt.Errorf("schedule = %q, want new cron", got)
		}
		checked <- err
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case err := <-checked:
		if err != nil {
			t.Error(err)
		}
	case err := <-errCh:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	cancel()
	<-errCh
}

func TestReloadConfig_InvalidKeepsCurrent(t *testing.T) {
	env := newTestEnv(t)
	d := New(env.configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checked := make(chan error, 1)
	errCh := runDaemon(ctx, d, func(ctx context.Context, s *mcp.Server) error {
		os.WriteFile(env.configPath, []byte("sessions:\n  cleanup_probability: 1.5\n"), 0600)
		d.reloadConfig(ctx)

		var err error
		if p := d.store.Policy(); p.CleanupProbability != 0 || p.IdleTimeout != 30*time.Minute {
			err = fmt.Errorf("policy changed by invalid config: %+v", p)
		}
		checked <- err
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case err := <-checked:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	cancel()
	<-errCh
}

func TestReloadConfig_BadScheduleKeepsSweeper(t *testing.T) {
	env := newTestEnv(t)
	d := New(env.configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checked := make(chan error, 1)
	errCh := runDaemon(ctx, d, func(ctx context.Context, s *mcp.Server) error {
		os.WriteFile(env.configPath, env.configYAML("5m", 40, "bogus"), 0600)
		d.reloadConfig(ctx)

		var err error
		if got := d.sweepSchedule(); got != "* * * * * *" {
			err = fmt.Errorf("schedule = %q, want the running one kept", got)
		} else if got := d.store.Policy().IdleTimeout; got != 30*time.Minute {
			err = fmt.Errorf("idle timeout = %v, invalid file was partly applied", got)
		} else if got := d.extractor.Options().ListingLimit; got != 150 {
			err = fmt.Errorf("listing limit = %d, invalid file was partly applied", got)
		} else if got := d.currentConfig().Sessions.Sweep.CronExpression; got != "* * * * * *" {
			err = fmt.Errorf("config cron = %q, want the running one kept", got)
		}
		checked <- err
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case err := <-checked:
		if err != nil {
			t.Error(err)
		}
	case err := <-errCh:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	cancel()
	<-errCh
}

func TestHotReload_WatchesConfigFile(t *testing.T) {
	env := newTestEnv(t)
	d := New(env.configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	errCh := runDaemon(ctx, d, func(ctx context.Context, s *mcp.Server) error {
		close(ready)
		<-ctx.Done()
		return ctx.Err()
	})
	<-ready

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	env.writeConfig(t, "7m", 150, "* * * * * *")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.store.Policy().IdleTimeout == 7*time.Minute {
			cancel()
			<-errCh
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Error("config change was not picked up by the watcher")
	cancel()
	<-errCh
}

func TestSessionPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	p := sessionPolicy(cfg)
	if p.IdleTimeout != 30*time.Minute || p.AbsoluteTTL != 8*time.Hour || p.CleanupProbability != 0.01 {
		t.Errorf("sessionPolicy(default) = %+v", p)
	}

	o := excerptOptions(cfg)
	if o.ListingCap != 160 || o.ShareLimit != 100 || o.WordsPerMinute != 200 {
		t.Errorf("excerptOptions(default) = %+v", o)
	}
}

func TestSweepConfigEqual(t *testing.T) {
	off := false
	on := true
	base := config.SweepConfig{RunEvery: "10m", Jitter: 0.1}

	tests := []struct {
		name string
		b    config.SweepConfig
		want bool
	}{
		{"identical", base, true},
		{"explicitly enabled", config.SweepConfig{Enabled: &on, RunEvery: "10m", Jitter: 0.1}, true},
		{"disabled", config.SweepConfig{Enabled: &off, RunEvery: "10m", Jitter: 0.1}, false},
		{"interval", config.SweepConfig{RunEvery: "20m", Jitter: 0.1}, false},
		{"jitter", config.SweepConfig{RunEvery: "10m"}, false},
		{"cron", config.SweepConfig{CronExpression: "0 0 * * * *", RunEvery: "10m", Jitter: 0.1}, false},
	}
	for _, tt := range tests {
		if got := sweepConfigEqual(base, tt.b); got != tt.want {
			t.Errorf("%s: sweepConfigEqual() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRecordSampledSweep_ConcurrentWithShutdown(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	d := New("")
	d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	d.stateDB = db

	now := time.Now()
	stats := session.SweepStats{StartedAt: now, FinishedAt: now, Removed: 1}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				d.recordSampledSweep(stats)
			}
		}()
	}
	d.shutdown()
	wg.Wait()

	if d.recorder() != nil {
		t.Error("recorder should be nil after shutdown")
	}
}
