// Package worker runs the orchestrator's periodic maintenance on a cron
// schedule. Tasks never overlap with themselves: a run that is still going
// when its next tick fires causes that tick to be skipped.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Task struct {
	Name string
	// Spec is a cron expression or descriptor ("@every 30s", "0 0 * * *").
	Spec string
	Run  func(ctx context.Context) error
}

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type TaskStatus struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Status   JobStatus     `json:"status"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
	Duration time.Duration `json:"duration"`
}

var ErrUnknownTask = errors.New("unknown task")

type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger

	mu     sync.Mutex
	tasks  map[string]Task
	status map[string]*TaskStatus
	ctx    context.Context
}

func New(log *zap.Logger) *Scheduler {
	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	return &Scheduler{
		cron:   c,
		log:    log,
		tasks:  make(map[string]Task),
		status: make(map[string]*TaskStatus),
		ctx:    context.Background(),
	}
}

// Add registers tasks. Names must be unique and specs must parse.
func (s *Scheduler) Add(tasks ...Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil {
			return fmt.Errorf("task %q: name and run func are required", t.Name)
		}
		if _, dup := s.tasks[t.Name]; dup {
			return fmt.Errorf("task %q registered twice", t.Name)
		}
		name := t.Name
		if _, err := s.cron.AddFunc(t.Spec, func() { s.execute(s.runContext(), name) }); err != nil {
			return fmt.Errorf("task %q: invalid schedule %q: %w", t.Name, t.Spec, err)
		}
		s.tasks[name] = t
		s.status[name] = &TaskStatus{Name: name, Spec: t.Spec, Status: JobStatusPending}
	}
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Run starts the schedule and blocks until ctx is done, then waits for
// running tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.log.Info("maintenance scheduler started", zap.Int("tasks", len(s.Status())))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("maintenance scheduler stopped")
	return nil
}

// RunNow executes one task immediately, outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, name)
}

func (s *Scheduler) execute(ctx context.Context, name string) error {
	s.mu.Lock()
	task := s.tasks[name]
	st := s.status[name]
	st.Status = JobStatusRunning
	s.mu.Unlock()

	start := time.Now()
	err := task.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	st.Runs++
	st.LastRun = start
	st.Duration = elapsed
	if err != nil {
		st.Failures++
		st.Status = JobStatusFailed
		st.LastErr = err.Error()
	} else {
		st.Status = JobStatusDone
		st.LastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("maintenance task failed", zap.String("task", name), zap.Duration("latency", elapsed), zap.Error(err))
	} else {
		s.log.Debug("maintenance task done", zap.String("task", name), zap.Duration("latency", elapsed))
	}
	return err
}

// Status returns a copy of every task's status, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
