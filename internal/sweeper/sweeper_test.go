// internal/sweeper/sweeper_test.go
package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/colebrumley/textguard/internal/config"
	"github.com/colebrumley/textguard/internal/random"
	"github.com/colebrumley/textguard/internal/session"
	"github.com/colebrumley/textguard/internal/state"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []state.SweepRecord
	ch      chan state.SweepRecord
	err     error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ch: make(chan state.SweepRecord, 10)}
}

func (f *fakeRecorder) RecordSweep(rec state.SweepRecord) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	f.records = append(f.records, rec)
	id := int64(len(f.records))
	f.mu.Unlock()
	select {
	case f.ch <- rec:
	default:
	}
	return id, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	p := session.DefaultPolicy()
	p.CleanupProbability = 0
	s, err := session.NewStore(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSweeper_FiresOnSchedule(t *testing.T) {
	store := newStore(t)
	rec := newFakeRecorder()

	sw, err := New(config.SweepConfig{CronExpression: "* * * * * *"}, store, rec, nil, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sw.Start(ctx); err != nil && err != context.Canceled {
			t.Errorf("Start failed: %v", err)
		}
	}()

	select {
	case r := <-rec.ch:
		if r.Trigger != state.TriggerScheduled {
			t.Errorf("expected trigger scheduled, got %s", r.Trigger)
		}
		if r.State != "success" {
			t.Errorf("expected state success, got %s", r.State)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for scheduled sweep")
	}

	sw.Stop()
}

func TestSweeper_RunOnceRemovesExpired(t *testing.T) {
	p := session.DefaultPolicy()
	p.IdleTimeout = time.Minute
	p.CleanupProbability = 0
	store, err := session.NewStore(p, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	store.Create("1", "a")
	store.Create("2", "b")
	now = now.Add(2 * time.Minute)
	store.Create("3", "c")

	rec := newFakeRecorder()
	sw, err := New(config.SweepConfig{RunEvery: "10m"}, store, rec, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	got, err := sw.RunOnce(state.TriggerManual)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got.ID != 1 || got.Removed != 2 || got.Remaining != 1 || got.Trigger != state.TriggerManual {
		t.Errorf("RunOnce() = %+v", got)
	}
	if store.Len() != 1 {
		t.Errorf("store Len() = %d, want 1", store.Len())
	}
}

func TestSweeper_RecorderError(t *testing.T) {
	rec := newFakeRecorder()
	rec.err = errors.New("database is locked")

	sw, err := New(config.SweepConfig{RunEvery: "5m"}, newStore(t), rec, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sw.RunOnce(state.TriggerManual); err == nil {
		t.Error("RunOnce() should surface the recorder error")
	}
}

func TestRecord_NilRecorder(t *testing.T) {
	start := time.Now()
	r, err := Record(nil, state.TriggerSampled, session.SweepStats{
		StartedAt: start, FinishedAt: start.Add(3 * time.Millisecond), Removed: 4, Remaining: 9,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if r.DurationMs != 3 || r.Removed != 4 || r.Remaining != 9 || r.ID != 0 {
		t.Errorf("Record() = %+v", r)
	}
}

func TestNew_InvalidCron(t *testing.T) {
	if _, err := New(config.SweepConfig{CronExpression: "not a cron"}, newStore(t), nil, nil, quietLogger()); err == nil {
		t.Error("New() should reject an invalid cron expression")
	}
}

func TestSweeper_DelayWithinJitter(t *testing.T) {
	sw, err := New(config.SweepConfig{RunEvery: "10m", Jitter: 0.2}, newStore(t), nil, random.New(nil), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if sw.interval != 10*time.Minute {
		t.Fatalf("interval = %v, want 10m", sw.interval)
	}

	maxDelay := 2 * time.Minute
	for i := 0; i < 1000; i++ {
		d, err := sw.delay()
		if err != nil {
			t.Fatalf("delay() error = %v", err)
		}
		if d < 0 || d > maxDelay {
			t.Fatalf("delay() = %v, want within [0, %v]", d, maxDelay)
		}
	}

	sw.jitter = 0
	if d, _ := sw.delay(); d != 0 {
		t.Errorf("delay() with no jitter = %v, want 0", d)
	}
}

func TestSweeper_StopAbandonsDelayedTick(t *testing.T) {
	rec := newFakeRecorder()
	sw, err := New(config.SweepConfig{CronExpression: "* * * * * *", Jitter: 1}, newStore(t), rec, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	// Force a long wait so the tick is parked on its timer.
	sw.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Start(ctx)

	time.Sleep(1500 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() blocked on a delayed tick")
	}
}

func TestConvertRunEveryToCron(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"30m", "0 */30 * * * *"},
		{"1m", "0 */1 * * * *"},
		{"6h", "0 0 */6 * * *"},
		{"", "0 0 * * * *"},
		{"m", "0 0 * * * *"},
		{"90m", "0 0 * * * *"},
		{"1.5h", "0 0 * * * *"},
		{"10s", "0 0 * * * *"},
	}
	for _, tt := range tests {
		if got := convertRunEveryToCron(tt.in); got != tt.want {
			t.Errorf("convertRunEveryToCron(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScheduleInterval(t *testing.T) {
	sched, err := config.ParseSchedule("0 0 */6 * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)
	if got := scheduleInterval(sched, from); got != 6*time.Hour {
		t.Errorf("scheduleInterval() = %v, want 6h", got)
	}
}
