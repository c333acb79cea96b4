package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Item struct {
	ID             string
	Title          string
	Condition      string
	AttributesJSON string // JSON array of {key, value} stored as text
	MediaJSON      string // JSON media analysis, empty when none was supplied
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type Run struct {
	ID          string
	ItemID      string
	Status      string
	Phase       string
	StateJSON   string // serialized workflow state
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Operation statuses.
const (
	OperationStarted   = "started"
	OperationCompleted = "completed"
	OperationFailed    = "failed"
)

type Operation struct {
	ID           string
	RunID        string
	Type         string
	Title        string
	Message      string
	Status       string
	MetadataJSON string
	SummaryJSON  string
	Error        string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// JobCounts is the number of jobs per status.
type JobCounts map[string]int
