package models

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job represents an async operation (backup, restore, precheck, inventory-deploy).
type Job struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"` // "backup", "restore", "precheck", "inventory-deploy", etc.
	ConnectionID string     `json:"connection_id"`
	Status       string     `json:"status"` // "running", "completed", "failed", "cancelled"
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	Output       []string   `json:"output"`
	Snapshot     string     `json:"snapshot,omitempty"` // bundle directory written or read by the job

	report *Report
	cancel context.CancelFunc
	mu     sync.Mutex
}

// AppendLog adds a log line to the job output.
func (j *Job) AppendLog(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Output = append(j.Output, line)
}

// LogsSince returns log lines starting from the given index.
func (j *Job) LogsSince(offset int) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if offset >= len(j.Output) {
		return nil
	}
	lines := make([]string, len(j.Output)-offset)
	copy(lines, j.Output[offset:])
	return lines
}

// State returns the current status under lock.
func (j *Job) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// Done reports whether the job reached a terminal state.
func (j *Job) Done() bool {
	s := j.State()
	return s == "completed" || s == "failed" || s == "cancelled"
}

// SetCancel attaches the cancel function of the job's context.
func (j *Job) SetCancel(cancel context.CancelFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
}

// Cancel stops a running job. Work already applied is not rolled back.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != "running" {
		return false
	}
	if j.cancel != nil {
		j.cancel()
	}
	j.Status = "cancelled"
	now := time.Now()
	j.FinishedAt = &now
	return true
}

// SetSnapshot records the bundle directory of the job.
func (j *Job) SetSnapshot(dir string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Snapshot = dir
}

// MarshalJSON serializes the job under lock.
func (j *Job) MarshalJSON() ([]byte, error) {
	j.mu.Lock()
	v := struct {
		ID           string     `json:"id"`
		Type         string     `json:"type"`
		ConnectionID string     `json:"connection_id"`
		Status       string     `json:"status"`
		StartedAt    time.Time  `json:"started_at"`
		FinishedAt   *time.Time `json:"finished_at,omitempty"`
		Error        string     `json:"error,omitempty"`
		Output       []string   `json:"output"`
		Snapshot     string     `json:"snapshot,omitempty"`
	}{j.ID, j.Type, j.ConnectionID, j.Status, j.StartedAt, j.FinishedAt, j.Error, append([]string{}, j.Output...), j.Snapshot}
	j.mu.Unlock()
	return json.Marshal(v)
}

// SetReport attaches the run report produced by the job.
func (j *Job) SetReport(r *Report) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.report = r
}

// Report returns the attached run report, if any.
func (j *Job) Report() *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report
}

// Complete marks the job as completed.
func (j *Job) Complete() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status == "cancelled" {
		return
	}
	j.Status = "completed"
	now := time.Now()
	j.FinishedAt = &now
}

// Fail marks the job as failed with an error message.
func (j *Job) Fail(err string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status == "cancelled" {
		return
	}
	j.Status = "failed"
	j.Error = err
	now := time.Now()
	j.FinishedAt = &now
}

// JobStore is an in-memory thread-safe store for jobs.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

// Create adds a new job, assigning it a UUID.
func (s *JobStore) Create(jobType, connectionID string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		ConnectionID: connectionID,
		Status:       "running",
		StartedAt:    time.Now(),
		Output:       []string{},
	}
	s.jobs[j.ID] = j
	return j
}

// Get returns a job by ID.
func (s *JobStore) Get(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// List returns all jobs, most recent first.
func (s *JobStore) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		result = append(result, j)
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].StartedAt.After(result[b].StartedAt)
	})
	return result
}
