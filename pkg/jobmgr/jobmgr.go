// Package jobmgr runs named long-lived goroutines with cancellation and
// in-memory tracking. A name can be held by at most one running job, which is
// what the playback engine relies on to keep a single loop per session.
//
// Typical usage:
//
//	jm := jobmgr.NewManager(func(msg string) {
//	    log.Println("JOB:", msg)
//	})
//
//	job, err := jm.StartAsync(ctx, "loop:1234", func(ctx context.Context) error {
//	    // do work until ctx is cancelled
//	    return nil
//	})
//
//	// later...
//	done, _ := jm.Stop("loop:1234")
//	<-done
package jobmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrJobRunning    = errors.New("job is already running")
	ErrJobNotRunning = errors.New("job is not running")
)

// Job represents a running unit of work.
// Jobs are added and removed by Manager automatically.
type Job struct {
	Name   string
	Cancel context.CancelFunc

	done chan struct{}
}

// Done is closed once the job's runner has returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// StatusReporter receives lifecycle events for jobs.
// Example messages:
//
//	running:loop:1234
//	error:loop:1234:sink closed
//	done:loop:1234
type StatusReporter func(string)

// Manager orchestrates starting, stopping and tracking jobs.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	Reporter StatusReporter
}

// NewManager creates a new Manager.
// The reporter callback may be nil.
func NewManager(reporter StatusReporter) *Manager {
	return &Manager{
		jobs:     make(map[string]*Job),
		Reporter: reporter,
	}
}

// StartAsync runs a job in a separate goroutine and returns immediately.
// If a job with the same name is still running, ErrJobRunning is returned.
// The name is released only after the runner has returned.
func (m *Manager) StartAsync(parent context.Context, name string, runner func(ctx context.Context) error) (*Job, error) {
	if parent == nil {
		parent = context.Background()
	}

	m.mu.Lock()
	if _, exists := m.jobs[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("job '%s': %w", name, ErrJobRunning)
	}
	ctx, cancel := context.WithCancel(parent)
	job := &Job{Name: name, Cancel: cancel, done: make(chan struct{})}
	m.jobs[name] = job
	m.mu.Unlock()

	go func() {
		defer close(job.done)
		defer cancel()

		m.report("running:" + name)

		err := runner(ctx)
		if err != nil {
			m.report("error:" + name + ":" + err.Error())
		} else {
			m.report("done:" + name)
		}

		m.mu.Lock()
		if m.jobs[name] == job {
			delete(m.jobs, name)
		}
		m.mu.Unlock()
	}()

	return job, nil
}

// Stop cancels a running job by name and returns a channel closed when its
// runner has returned.
func (m *Manager) Stop(name string) (<-chan struct{}, error) {
	m.mu.Lock()
	job, ok := m.jobs[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job '%s': %w", name, ErrJobNotRunning)
	}

	job.Cancel()
	return job.done, nil
}

// List returns the sorted list of active job names.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Status returns a human-readable summary of active jobs.
// Example:
//
//	"Running jobs: loop:1, loop:2"
//
// If none are running: "No jobs are running."
func (m *Manager) Status() string {
	active := m.List()
	if len(active) == 0 {
		return "No jobs are running."
	}
	return fmt.Sprintf("Running jobs: %s", strings.Join(active, ", "))
}

// report delivers lifecycle messages to the reporter if present.
func (m *Manager) report(s string) {
	if m.Reporter != nil {
		m.Reporter(s)
	}
}
