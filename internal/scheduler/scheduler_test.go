package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// leakCheck registers a goroutine leak check that runs after the test's
// cleanup stack has stopped the scheduler.
func leakCheck(t *testing.T) {
	t.Helper()
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })
}

// fakeClock is a manually advanced clock shared with the sync loop.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler().WithLogger(discardLogger())

	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, s.Register("noop", "@every 5m", noop))

	// Duplicate name
	err := s.Register("noop", "@every 5m", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	// Invalid cron expression
	require.Error(t, s.Register("bad-cron", "not a schedule", noop))

	// Missing run function
	require.Error(t, s.Register("no-func", "@every 5m", nil))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "noop", jobs[0].Name)
	assert.Equal(t, "@every 5m", jobs[0].Cron)
	assert.Zero(t, jobs[0].Runs)
}

func TestScheduler_StartStop(t *testing.T) {
	leakCheck(t)

	s := NewScheduler().
		WithLogger(discardLogger()).
		WithConfig(Config{SyncInterval: 10 * time.Millisecond, CatchupMissedRuns: true})
	require.NoError(t, s.Register("idle", "@every 1h", func(ctx context.Context) error { return nil }))

	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Started())

	// Double start should error
	require.Error(t, s.Start(ctx))

	s.Stop()
	assert.False(t, s.Started())

	// Can restart after stop
	require.NoError(t, s.Start(ctx))
	s.Stop()
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	leakCheck(t)

	clock := newFakeClock()
	var runs atomic.Int64

	s := NewScheduler().
		WithLogger(discardLogger()).
		WithConfig(Config{
			SyncInterval:      5 * time.Millisecond,
			CatchupMissedRuns: true,
			Now:               clock.Now,
		})
	require.NoError(t, s.Register("count", "@every 1m", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// Not due until the clock moves.
	time.Sleep(25 * time.Millisecond)
	assert.Zero(t, runs.Load())

	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	status := s.Jobs()[0]
	assert.Equal(t, int64(2), status.Runs)
	assert.Empty(t, status.LastError)
	assert.True(t, status.NextRun.After(clock.Now()))
}

func TestScheduler_CatchupCollapsesMissedRuns(t *testing.T) {
	leakCheck(t)

	clock := newFakeClock()
	var runs atomic.Int64

	s := NewScheduler().
		WithLogger(discardLogger()).
		WithConfig(Config{SyncInterval: 5 * time.Millisecond, CatchupMissedRuns: true, Now: clock.Now})
	require.NoError(t, s.Register("count", "@every 1m", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// Sleep through three hours of scheduled runs.
	clock.Advance(3 * time.Hour)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The missed occurrences collapse into the single catch-up run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
	assert.True(t, s.Jobs()[0].NextRun.After(clock.Now()))
}

func TestScheduler_SkipsMissedRunsWithoutCatchup(t *testing.T) {
	leakCheck(t)

	clock := newFakeClock()
	var runs atomic.Int64

	s := NewScheduler().
		WithLogger(discardLogger()).
		WithConfig(Config{SyncInterval: 5 * time.Millisecond, CatchupMissedRuns: false, Now: clock.Now})
	require.NoError(t, s.Register("count", "@every 1m", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	start := clock.Now()
	clock.Advance(3 * time.Hour)

	// The stale run is skipped and the cursor realigns to the next
	// future occurrence.
	require.Eventually(t, func() bool {
		return s.Jobs()[0].NextRun.After(start.Add(3 * time.Hour))
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestScheduler_RunNow(t *testing.T) {
	var fail atomic.Bool
	var runs atomic.Int64

	s := NewScheduler().WithLogger(discardLogger())
	require.NoError(t, s.Register("sweep", "@hourly", func(ctx context.Context) error {
		runs.Add(1)
		if fail.Load() {
			return errors.New("sweep exploded")
		}
		return nil
	}))

	ctx := context.Background()

	// Works without Start.
	require.NoError(t, s.RunNow(ctx, "sweep"))
	assert.Equal(t, int64(1), runs.Load())

	status := s.Jobs()[0]
	assert.Equal(t, int64(1), status.Runs)
	assert.Empty(t, status.LastError)
	assert.False(t, status.LastRun.IsZero())

	// Failures are returned and recorded.
	fail.Store(true)
	require.Error(t, s.RunNow(ctx, "sweep"))
	assert.Equal(t, "sweep exploded", s.Jobs()[0].LastError)

	// A later success clears the recorded error.
	fail.Store(false)
	require.NoError(t, s.RunNow(ctx, "sweep"))
	assert.Empty(t, s.Jobs()[0].LastError)

	// Unknown job
	err := s.RunNow(ctx, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestScheduler_RunNowSkipsRunningJob(t *testing.T) {
	leakCheck(t)

	release := make(chan struct{})
	var runs atomic.Int64

	s := NewScheduler().WithLogger(discardLogger())
	require.NoError(t, s.Register("slow", "@hourly", func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()

	require.Eventually(t, func() bool { return s.Jobs()[0].Running }, 2*time.Second, time.Millisecond)

	// A second invocation is dropped while the first is in flight.
	require.NoError(t, s.RunNow(context.Background(), "slow"))
	assert.Equal(t, int64(1), runs.Load())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.Jobs()[0].Running)
}

func TestScheduler_JobTimeout(t *testing.T) {
	s := NewScheduler().
		WithLogger(discardLogger()).
		WithConfig(Config{JobTimeout: 20 * time.Millisecond, CatchupMissedRuns: true})
	require.NoError(t, s.Register("stuck", "@hourly", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := s.RunNow(context.Background(), "stuck")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_RegisterAfterStart(t *testing.T) {
	leakCheck(t)

	clock := newFakeClock()
	var runs atomic.Int64

	s := NewScheduler().
		WithLogger(discardLogger()).
		WithConfig(Config{SyncInterval: 5 * time.Millisecond, CatchupMissedRuns: true, Now: clock.Now})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.Register("late", "@every 1m", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_ValidateCron(t *testing.T) {
	s := NewScheduler().WithLogger(discardLogger())

	tests := []struct {
		name    string
		cron    string
		wantErr bool
	}{
		{"every five minutes", "0 */5 * * * *", false},
		{"hourly on the hour", "0 0 * * * *", false},
		{"daily at 03:30", "0 30 3 * * *", false},
		{"every descriptor", "@every 5m", false},
		{"hourly descriptor", "@hourly", false},
		{"five fields", "*/5 * * * *", true},
		{"gibberish", "whenever", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateCron(tt.cron)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_ParseCron(t *testing.T) {
	s := NewScheduler().WithLogger(discardLogger())

	next, err := s.ParseCron("0 */5 * * * *")
	require.NoError(t, err)
	assert.True(t, next.After(time.Now().Add(-time.Minute)))

	_, err = s.ParseCron("nope")
	require.Error(t, err)
}
