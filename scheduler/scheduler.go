// Package scheduler runs recurring agent tasks on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// JobConfig describes what a scheduled run does.
type JobConfig struct {
	Input        string   `json:"input"`
	SessionKey   string   `json:"sessionKey,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

// Job is one recurring agent task.
type Job struct {
	Name     string    `json:"name"`
	CronExpr string    `json:"cronExpr"`
	Config   JobConfig `json:"config"`
	Enabled  bool      `json:"enabled"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	NextRun  time.Time `json:"nextRun,omitempty"`
	LastErr  string    `json:"lastError,omitempty"`
	RunCount int       `json:"runCount"`
}

// JobRun is one entry of a job's run history.
type JobRun struct {
	At         time.Time `json:"at"`
	DurationMS int64     `json:"durationMs"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RunFunc executes one triggered job, typically by driving an agent run.
type RunFunc func(ctx context.Context, cfg JobConfig) (string, error)

const defaultHistoryLimit = 100

// Scheduler manages named recurring jobs. Jobs fire on their cron
// schedule or on demand via Trigger; a disabled job keeps its schedule
// but skips scheduled firings.
type Scheduler struct {
	mu      sync.RWMutex
	cron    *robcron.Cron
	jobs    map[string]*managedJob
	runFunc RunFunc
	started bool
	maxRuns int
}

type managedJob struct {
	Job
	entryID robcron.EntryID
	runs    []JobRun
}

func New(runFunc RunFunc) *Scheduler {
	return &Scheduler{
		cron:    robcron.New(),
		jobs:    make(map[string]*managedJob),
		runFunc: runFunc,
		maxRuns: defaultHistoryLimit,
	}
}

// Add registers a job. Duplicate names and invalid cron expressions are
// rejected.
func (s *Scheduler) Add(name, cronExpr string, cfg JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		_, _ = s.runAndRecord(name, "schedule", true)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	mj := &managedJob{
		Job: Job{
			Name:     name,
			CronExpr: cronExpr,
			Config:   cfg,
			Enabled:  true,
		},
		entryID: entryID,
	}
	if entry := s.cron.Entry(entryID); !entry.Next.IsZero() {
		mj.NextRun = entry.Next
	}
	s.jobs[name] = mj
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(mj.entryID)
	delete(s.jobs, name)
	return nil
}

// List returns all jobs sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, mj := range s.jobs {
		j := mj.Job
		if entry := s.cron.Entry(mj.entryID); !entry.Next.IsZero() {
			j.NextRun = entry.Next
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) Get(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	j := mj.Job
	if entry := s.cron.Entry(mj.entryID); !entry.Next.IsZero() {
		j.NextRun = entry.Next
	}
	return j, true
}

func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	mj.Enabled = enabled
	return nil
}

// Trigger runs a job immediately, regardless of schedule or enablement.
func (s *Scheduler) Trigger(name string) (string, error) {
	return s.runAndRecord(name, "manual", false)
}

// History returns a job's most recent runs, newest first.
func (s *Scheduler) History(name string, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mj, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	if limit <= 0 || limit > len(mj.runs) {
		limit = len(mj.runs)
	}
	out := make([]JobRun, 0, limit)
	for i := len(mj.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, mj.runs[i])
	}
	return out, nil
}

func (s *Scheduler) runAndRecord(name, trigger string, skipIfDisabled bool) (string, error) {
	s.mu.RLock()
	mj, ok := s.jobs[name]
	if !ok {
		s.mu.RUnlock()
		return "", fmt.Errorf("job %q not found", name)
	}
	if skipIfDisabled && !mj.Enabled {
		s.mu.RUnlock()
		return "", nil
	}
	cfg := mj.Config
	s.mu.RUnlock()

	started := time.Now()
	output, err := s.runFunc(context.Background(), cfg)
	finished := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[name]
	if !ok {
		// Removed while running.
		return output, err
	}
	current.LastRun = finished
	current.RunCount++
	run := JobRun{
		At:         finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Trigger:    trigger,
	}
	if err != nil {
		current.LastErr = err.Error()
		run.Status = "failed"
		run.Error = err.Error()
		log.Printf("[scheduler] job %q failed (%s): %v", name, trigger, err)
	} else {
		current.LastErr = ""
		run.Status = "completed"
		run.Output = truncate(output, 2000)
	}
	current.runs = append(current.runs, run)
	if s.maxRuns > 0 && len(current.runs) > s.maxRuns {
		current.runs = current.runs[len(current.runs)-s.maxRuns:]
	}
	if entry := s.cron.Entry(current.entryID); !entry.Next.IsZero() {
		current.NextRun = entry.Next
	}
	return output, err
}

// Start begins firing schedules. Non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.cron.Stop()
		s.started = false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
