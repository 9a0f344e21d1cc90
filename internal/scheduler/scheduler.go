// Package scheduler runs the periodic jobs on cron schedules in a single
// process. A job never overlaps itself: a firing that arrives while the
// previous run is still going is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/elonfeng/ccuradar/internal/logger"
)

// JobFunc is one run of a scheduled job.
type JobFunc func(ctx context.Context) error

// Entry describes a registered job.
type Entry struct {
	Name string
	Spec string
	Next time.Time
}

type job struct {
	name    string
	spec    string
	id      cron.EntryID
	wrapped cron.Job
}

// Scheduler owns the cron runner and the context jobs run under.
type Scheduler struct {
	cron   *cron.Cron
	chain  cron.Chain
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a scheduler. Specs without a CRON_TZ= prefix are evaluated in
// loc.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cl := logger.NewCronLogger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithLogger(cl)),
		chain:  cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers fn under name on a standard five-field cron spec. An empty
// spec disables the job.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if spec == "" {
		logger.Info("job disabled", zap.String("job", name))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}

	wrapped := s.chain.Then(cron.FuncJob(func() { s.run(name, fn) }))
	id, err := s.cron.AddJob(spec, wrapped)
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.jobs[name] = &job{name: name, spec: spec, id: id, wrapped: wrapped}
	return nil
}

func (s *Scheduler) run(name string, fn JobFunc) {
	start := time.Now()
	logger.Info("job started", zap.String("job", name))
	if err := fn(s.ctx); err != nil {
		logger.Error(err, zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
		return
	}
	logger.Info("job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
}

// RunNow runs a registered job immediately on the calling goroutine. It
// shares the overlap guard with scheduled firings, so it returns at once
// when the job is already running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	j.wrapped.Run()
	return nil
}

// Entries lists registered jobs ordered by name. Next is zero until the
// scheduler is started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Entry{Name: j.name, Spec: j.spec, Next: s.cron.Entry(j.id).Next})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.Entries() {
		logger.Info("job scheduled",
			zap.String("job", e.Name),
			zap.String("spec", e.Spec),
			zap.Time("next", e.Next))
	}
}

// Stop prevents new firings and waits for running jobs. If ctx ends first,
// the jobs' context is cancelled and Stop returns ctx's error.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
