// Package scheduler runs workflow specs on cron schedules. Entries live in
// memory for the lifetime of the process; the serve surface registers them
// at startup from config.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bindrun/bindrun/pkg/schema"
)

// Runner is the interface the scheduler uses to execute specs. Satisfied by
// the executor (an interface here avoids an import cycle with engine).
type Runner interface {
	Execute(ctx context.Context, spec *schema.Spec) (*schema.Report, error)
}

// Entry is one scheduled spec.
type Entry struct {
	Name     string
	Cron     string
	Spec     *schema.Spec
	schedule cron.Schedule
	nextRun  time.Time
	lastRun  time.Time
	lastErr  error
}

// Scheduler ticks once a minute and executes every entry that has come due.
type Scheduler struct {
	runner  Runner
	parser  cron.Parser
	logger  *slog.Logger
	onDone  func(*schema.Report)
	tickGap time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler. onDone, if non-nil, receives every completed
// report (the serve surface uses it to archive runs).
func New(runner Runner, logger *slog.Logger, onDone func(*schema.Report)) *Scheduler {
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		onDone:   onDone,
		tickGap:  60 * time.Second,
		entries:  make(map[string]*Entry),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a spec under a unique name with a five-field cron
// expression. The first run happens at the next matching instant.
func (s *Scheduler) Add(name, cronExpr string, spec *schema.Spec) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule entry needs a name")
	}
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", name)
	}
	s.entries[name] = &Entry{
		Name:     name,
		Cron:     cronExpr,
		Spec:     spec,
		schedule: sched,
		nextRun:  sched.Next(time.Now().UTC()),
	}
	return nil
}

// Remove unregisters a schedule. An in-flight run finishes normally.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop cancels the loop and waits for it to exit. In-flight runs are
// cancelled through their context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickGap)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due entry. Runs execute inline on the tick goroutine one
// after another; concurrency happens inside the executor, not across
// schedules.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, entry := range s.entries {
		if !entry.nextRun.After(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		if !s.tryAcquire(entry.Name) {
			continue // previous run of this entry still executing
		}
		s.runEntry(ctx, entry, now)
		s.release(entry.Name)
	}
}

func (s *Scheduler) runEntry(ctx context.Context, entry *Entry, now time.Time) {
	s.logger.Info("running scheduled spec",
		slog.String("schedule", entry.Name),
		slog.String("spec", entry.Spec.Name))

	report, err := s.runner.Execute(ctx, entry.Spec)
	if err != nil {
		s.logger.Error("scheduled run could not start",
			slog.String("schedule", entry.Name),
			slog.String("error", err.Error()))
	} else if s.onDone != nil {
		s.onDone(report)
	}

	s.mu.Lock()
	entry.lastRun = now
	entry.lastErr = err
	entry.nextRun = entry.schedule.Next(now)
	s.mu.Unlock()
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// NextRun reports when a schedule will fire next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return entry.nextRun, true
}
