// Package scheduler fires the engine's periodic jobs on cron schedules and
// exposes the same entry points for manual runs.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/health"
	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Job is one unit of scheduled work. The returned report is logged and handed
// back to manual callers.
type Job func(ctx context.Context) (any, error)

type entry struct {
	name string
	spec string
	job  Job
	id   cron.EntryID
}

// Scheduler runs registered jobs one at a time. Each run goes through the
// health monitor under the job's name, so a job that keeps failing opens its
// own circuit.
type Scheduler struct {
	cron    *cron.Cron
	monitor *health.Monitor
	log     *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	// exec keeps store-mutating jobs from overlapping.
	exec sync.Mutex
}

func New(monitor *health.Monitor) *Scheduler {
	log := logger.Named("scheduler")
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(zap.NewStdLog(log))),
		)),
		monitor: monitor,
		log:     log,
		jobs:    make(map[string]*entry),
	}
}

// Register adds a job. An empty spec registers a job that only runs when
// triggered manually.
func (s *Scheduler) Register(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return apperr.Invalid("job", fmt.Sprintf("job %q already registered", name))
	}
	e := &entry{name: name, spec: spec, job: job}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() { s.fire(name) })
		if err != nil {
			return apperr.Invalid("schedule", fmt.Sprintf("job %q: %v", name, err))
		}
		e.id = id
	}
	s.jobs[name] = e
	return nil
}

// Start begins firing scheduled jobs. Scheduled runs use ctx, so cancelling
// it stops further work after the current item.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.log.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop halts the schedule and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	<-done.Done()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	// Scheduled failures are logged by run; the next slot tries again.
	_, _ = s.run(ctx, name, TriggerSchedule)
}

// Trigger runs a registered job now through the same wrapped entry point the
// schedule uses, and returns its report.
func (s *Scheduler) Trigger(ctx context.Context, name string) (any, error) {
	return s.run(ctx, name, TriggerManual)
}

func (s *Scheduler) run(ctx context.Context, name, trigger string) (any, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("job", name)
	}

	s.exec.Lock()
	defer s.exec.Unlock()

	start := time.Now()
	var report any
	err := s.monitor.Call(ctx, name, func(ctx context.Context) error {
		var err error
		report, err = e.job(ctx)
		return err
	})
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	metrics.JobRuns.WithLabelValues(name, status, trigger).Inc()

	if err != nil {
		s.log.Warn("Job failed",
			zap.String("job", name),
			zap.String("trigger", trigger),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return report, err
	}
	s.log.Info("Job finished",
		zap.String("job", name),
		zap.String("trigger", trigger),
		zap.Duration("elapsed", elapsed),
		zap.Any("report", report),
	)
	return report, nil
}

type JobInfo struct {
	Name    string     `json:"name"`
	Spec    string     `json:"spec,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		info := JobInfo{Name: e.name, Spec: e.spec}
		if e.id != 0 {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				info.NextRun = &next
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
