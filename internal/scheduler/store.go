package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrJobNotFound = errors.New("job not found")

// Job is one scheduled invocation of a registered task. Id is derived from
// Name and Arg, so scheduling the same task twice replaces the first.
type Job struct {
	Id       string        `json:"id"`
	Name     string        `json:"name"`
	Arg      string        `json:"arg"`
	Interval time.Duration `json:"interval"`
	Deadline time.Time     `json:"deadline"`
	RunAt    time.Time     `json:"run_at"`
	Attempt  int           `json:"attempt"`
}

// JobId returns the id of the job running name with arg.
func JobId(name, arg string) string {
	return name + ":" + arg
}

// Periodic reports whether the job is re-enqueued after each successful run.
func (j Job) Periodic() bool {
	return j.Interval > 0
}

// Store is the durable side of the scheduler.
type Store interface {
	// Put inserts or replaces a job and clears its cancel flag.
	Put(ctx context.Context, job Job) error
	// Claim returns up to limit due jobs and pushes their RunAt past lease, so
	// a job whose worker dies becomes due again.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error)
	// Reschedule stores the next run of a claimed job unless it was
	// cancelled meanwhile, in which case the job is dropped. It reports
	// whether the job was kept.
	Reschedule(ctx context.Context, job Job) (bool, error)
	// Cancel flags the job and removes it from the schedule.
	Cancel(ctx context.Context, id string) error
	// Remove deletes the job together with its cancel flag.
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Job, error)
}

// MemoryStore keeps jobs in process memory. Jobs do not survive a restart;
// the engines re-enqueue in-flight operations at startup.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]Job
	cancelled map[string]struct{}
}

// Compile-time check: *MemoryStore must satisfy Store.
var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]Job),
		cancelled: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Put(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancelled, job.Id)
	m.jobs[job.Id] = job
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]Job, 0)
	for _, job := range m.jobs {
		if !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].Id < due[j].Id
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, job := range due {
		leased := job
		leased.RunAt = now.Add(lease)
		m.jobs[job.Id] = leased
	}
	return due, nil
}

func (m *MemoryStore) Reschedule(_ context.Context, job Job) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cancelled[job.Id]; ok {
		delete(m.cancelled, job.Id)
		delete(m.jobs, job.Id)
		return false, nil
	}
	m.jobs[job.Id] = job
	return true, nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[id] = struct{}{}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancelled, id)
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}
