// Package scheduler runs recurring maintenance jobs for the streaming
// engine, such as origin latency re-probes and cache sweeps. Jobs are
// registered with cron expressions and executed sequentially from a
// single background loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the unit of work executed on a schedule.
type JobFunc func(ctx context.Context) error

// job tracks per-schedule execution state. Guarded by Scheduler.mu.
type job struct {
	name     string
	cronExpr string
	schedule cron.Schedule
	run      JobFunc

	next    time.Time
	running bool

	lastRun   time.Time
	lastError string
	runs      int64
}

// Config holds scheduler tuning.
type Config struct {
	// SyncInterval is how often schedules are checked for due jobs.
	// Default: 1 minute.
	SyncInterval time.Duration

	// JobTimeout bounds a single job execution.
	// Default: 1 minute.
	JobTimeout time.Duration

	// CatchupMissedRuns executes a schedule that fired while the process
	// was suspended as soon as the scheduler notices, instead of waiting
	// for the next occurrence. Multiple missed runs collapse into one.
	CatchupMissedRuns bool

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:      time.Minute,
		JobTimeout:        time.Minute,
		CatchupMissedRuns: true,
	}
}

// Scheduler executes registered jobs according to their cron schedules.
// Schedules use six fields (seconds first) or descriptors such as
// "@every 5m" and "@hourly".
type Scheduler struct {
	mu sync.RWMutex

	logger *slog.Logger
	parser cron.Parser
	now    func() time.Time

	jobs   []*job
	byName map[string]*job

	syncInterval time.Duration
	jobTimeout   time.Duration
	catchup      bool

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler with default configuration.
func NewScheduler() *Scheduler {
	config := DefaultConfig()
	return &Scheduler{
		logger:       slog.Default(),
		parser:       cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:          time.Now,
		byName:       make(map[string]*job),
		syncInterval: config.SyncInterval,
		jobTimeout:   config.JobTimeout,
		catchup:      config.CatchupMissedRuns,
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithConfig applies configuration to the scheduler.
func (s *Scheduler) WithConfig(config Config) *Scheduler {
	if config.SyncInterval > 0 {
		s.syncInterval = config.SyncInterval
	}
	if config.JobTimeout > 0 {
		s.jobTimeout = config.JobTimeout
	}
	if config.Now != nil {
		s.now = config.Now
	}
	s.catchup = config.CatchupMissedRuns
	return s
}

// Register adds a named job to the schedule. Registration is allowed
// before or after Start.
func (s *Scheduler) Register(name, cronExpr string, run JobFunc) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}
	if run == nil {
		return fmt.Errorf("job %s has no run function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("job already registered: %s", name)
	}

	j := &job{name: name, cronExpr: cronExpr, schedule: schedule, run: run}
	if s.ctx != nil {
		j.next = schedule.Next(s.now())
	}
	s.jobs = append(s.jobs, j)
	s.byName[name] = j

	s.logger.Debug("registered job",
		slog.String("job", name),
		slog.String("cron", cronExpr))

	return nil
}

// Start begins the scheduler's background sync loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	now := s.now()
	for _, j := range s.jobs {
		j.next = j.schedule.Next(now)
	}

	s.wg.Add(1)
	go s.syncLoop(s.ctx)

	s.logger.Info("scheduler started",
		slog.Int("jobs", len(s.jobs)),
		slog.Duration("sync_interval", s.syncInterval),
		slog.Bool("catchup_missed_runs", s.catchup))

	return nil
}

// Stop stops the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// Started reports whether the background loop is running.
func (s *Scheduler) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx != nil && s.ctx.Err() == nil
}

// syncLoop periodically checks schedules and executes due jobs.
func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.runDue(ctx)

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue executes every job whose schedule has come due.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	for _, j := range s.collectDue(now) {
		s.runJob(ctx, j) //nolint:errcheck // failures are logged and kept in job state
	}
}

// collectDue gathers due jobs and advances their schedule cursors.
func (s *Scheduler) collectDue(now time.Time) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*job
	for _, j := range s.jobs {
		if j.next.IsZero() {
			j.next = j.schedule.Next(now)
			continue
		}
		if now.Before(j.next) {
			continue
		}

		// Overdue by more than one sync window means the process slept
		// through the scheduled run.
		if !s.catchup && now.Sub(j.next) > s.syncInterval {
			s.logger.Warn("skipping missed run",
				slog.String("job", j.name),
				slog.Time("scheduled", j.next))
			j.next = j.schedule.Next(now)
			continue
		}

		if j.running {
			continue
		}
		j.running = true
		j.next = j.schedule.Next(now)
		due = append(due, j)
	}
	return due
}

// runJob executes a single job with the configured timeout and records
// the outcome. The caller must have marked the job running.
func (s *Scheduler) runJob(ctx context.Context, j *job) error {
	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := s.now()
	s.logger.Info("executing job", slog.String("job", j.name))

	err := j.run(jobCtx)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	j.running = false
	j.lastRun = start
	j.runs++
	if err != nil {
		j.lastError = err.Error()
	} else {
		j.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed",
			slog.String("job", j.name),
			slog.Duration("duration", elapsed),
			slog.Any("error", err))
		return err
	}

	s.logger.Info("job completed",
		slog.String("job", j.name),
		slog.Duration("duration", elapsed))
	return nil
}

// RunNow executes a registered job immediately, outside its schedule,
// and returns the job's error. A job that is already executing is not
// run twice. RunNow works whether or not the scheduler is started.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job: %s", name)
	}
	if j.running {
		s.mu.Unlock()
		s.logger.Debug("job already running", slog.String("job", name))
		return nil
	}
	j.running = true
	s.mu.Unlock()

	return s.runJob(ctx, j)
}

// JobStatus describes a registered job for status reporting.
type JobStatus struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Jobs reports the state of every registered job in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:      j.name,
			Cron:      j.cronExpr,
			Running:   j.running,
			Runs:      j.runs,
			LastRun:   j.lastRun,
			NextRun:   j.next,
			LastError: j.lastError,
		})
	}
	return out
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(s.now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}
