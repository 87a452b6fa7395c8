package queue

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCrashed   Status = "crashed"
)

// Terminal reports whether no further attempts follow s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCrashed
}

// Run statuses.
const (
	RunRunning = "running"
	RunPassed  = "passed"
	RunFailed  = "failed"
	RunAborted = "aborted"
)

// Job is one test file scheduled within a run.
type Job struct {
	ID          string
	RunID       string
	Path        string
	Digest      string
	DedupeKey   string
	Status      Status
	Attempts    int
	MaxAttempts int
	WorkerID    *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	RunID       string
	Path        string
	Digest      string
	DedupeKey   string
	MaxAttempts int
}

// Attempt is one execution of a job on a worker.
type Attempt struct {
	Number    int
	WorkerID  string
	Status    Status
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrRunNotFound = errors.New("run not found")
)
