package store

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/isdmx/datarun/sandbox"
)

// Status is the lifecycle state of a job
type Status string

// Job statuses. A job moves QUEUED -> RUNNING -> SUCCEEDED|FAILED, or straight
// to FAILED when the request is rejected before it is queued.
const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	// StatusCanceled is reserved; nothing in the engine sets it.
	StatusCanceled Status = "CANCELED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Kind classifies why a job failed
type Kind string

// Failure kinds
const (
	KindInvalidIdentifier Kind = "InvalidIdentifier"
	KindPathEscape        Kind = "PathEscape"
	KindNotFound          Kind = "NotFound"
	KindInvalidRequest    Kind = "InvalidRequest"
	KindProvisionError    Kind = "ProvisionError"
	KindExecutionTimeout  Kind = "ExecutionTimeout"
	KindInternalError     Kind = "InternalError"
)

// Validation reports whether the kind describes a bad request rather than an
// engine failure
func (k Kind) Validation() bool {
	switch k {
	case KindInvalidIdentifier, KindPathEscape, KindNotFound, KindInvalidRequest:
		return true
	default:
		return false
	}
}

// Job is a snapshot of one submission
type Job struct {
	ID         string                 `json:"task_id"`
	Status     Status                 `json:"status"`
	Request    sandbox.ExecuteRequest `json:"request"`
	Result     *sandbox.ExecuteResult `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorKind  Kind                   `json:"error_kind,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// Store errors
var (
	ErrNotFound  = errors.New("job not found")
	ErrDuplicate = errors.New("job already exists")
)

// ConflictError is returned when a job is not in the state an operation needs
type ConflictError struct {
	ID     string
	Status Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s is %s", e.ID, e.Status)
}

// FailedError is returned by Result for a FAILED job
type FailedError struct {
	ID      string
	Kind    Kind
	Message string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s failed (%s): %s", e.ID, e.Kind, e.Message)
}

// Store keeps every job in memory. All methods are safe for concurrent use and
// return copies, never references into the store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// Option defines a functional option for Store
type Option func(*Store)

// WithClock sets the time source used for job timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a QUEUED job
func (s *Store) Create(id string, req sandbox.ExecuteRequest) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; ok {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	job := &Job{
		ID:        id,
		Status:    StatusQueued,
		Request:   cloneRequest(req),
		CreatedAt: s.now(),
	}
	s.jobs[id] = job
	return job.clone(), nil
}

// CreateFailed records a job that was rejected before it could be queued. It
// never passes through RUNNING.
func (s *Store) CreateFailed(id string, req sandbox.ExecuteRequest, kind Kind, message string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; ok {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	now := s.now()
	job := &Job{
		ID:         id,
		Status:     StatusFailed,
		Request:    cloneRequest(req),
		Error:      message,
		ErrorKind:  kind,
		CreatedAt:  now,
		FinishedAt: &now,
	}
	s.jobs[id] = job
	return job.clone(), nil
}

// Get returns a snapshot of the job
func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.clone(), nil
}

// Claim moves a QUEUED job to RUNNING. It reports false when the job is
// missing or was already claimed, so a duplicate dequeue is harmless.
func (s *Store) Claim(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != StatusQueued {
		return Job{}, false
	}
	now := s.now()
	job.Status = StatusRunning
	job.StartedAt = &now
	return job.clone(), true
}

// Complete moves a RUNNING job to SUCCEEDED with result
func (s *Store) Complete(id string, result sandbox.ExecuteResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != StatusRunning {
		return &ConflictError{ID: id, Status: job.Status}
	}
	now := s.now()
	job.Status = StatusSucceeded
	job.Result = &result
	job.FinishedAt = &now
	return nil
}

// Fail moves a non-terminal job to FAILED
func (s *Store) Fail(id string, kind Kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status.Terminal() {
		return &ConflictError{ID: id, Status: job.Status}
	}
	now := s.now()
	job.Status = StatusFailed
	job.Error = message
	job.ErrorKind = kind
	job.FinishedAt = &now
	return nil
}

// Result returns the stored result of a SUCCEEDED job. It fails with
// ErrNotFound, a *ConflictError while the job is not terminal, or a
// *FailedError for a FAILED job.
func (s *Store) Result(id string) (sandbox.ExecuteResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return sandbox.ExecuteResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch job.Status {
	case StatusSucceeded:
		return *job.Result, nil
	case StatusFailed:
		return sandbox.ExecuteResult{}, &FailedError{ID: id, Kind: job.ErrorKind, Message: job.Error}
	default:
		return sandbox.ExecuteResult{}, &ConflictError{ID: id, Status: job.Status}
	}
}

// Prune drops terminal jobs that finished before cutoff and returns how many
// were removed
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Stats counts jobs per status
func (s *Store) Stats() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[Status]int, 5)
	for _, job := range s.jobs {
		stats[job.Status]++
	}
	return stats
}

func (j *Job) clone() Job {
	c := *j
	c.Request = cloneRequest(j.Request)
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

func cloneRequest(req sandbox.ExecuteRequest) sandbox.ExecuteRequest {
	req.DatasetIDs = slices.Clone(req.DatasetIDs)
	req.Files = slices.Clone(req.Files)
	req.Libraries = slices.Clone(req.Libraries)
	if req.DatasetFiles != nil {
		files := maps.Clone(req.DatasetFiles)
		for k, v := range files {
			files[k] = slices.Clone(v)
		}
		req.DatasetFiles = files
	}
	return req
}
