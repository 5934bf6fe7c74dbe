package scanjob

import (
	"strings"
	"time"

	"dedupe/internal/catalog"
)

// Status represents the lifecycle of a scan job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus converts a string into a Status if it is recognized.
func ParseStatus(value string) (Status, bool) {
	switch s := Status(strings.ToLower(strings.TrimSpace(value))); s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return s, true
	default:
		return "", false
	}
}

// Job is a persisted scan.
type Job struct {
	ID               int64
	RepositoryID     *int64
	Limit            int64
	TotalRecords     int64
	Processed        int64
	DuplicatesFound  int64
	Status           Status
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastCheckpointID int64
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Scope returns the catalog scope the job covers.
func (j Job) Scope() catalog.Scope {
	if j.RepositoryID == nil {
		return catalog.AllRecords
	}
	return catalog.Repository(*j.RepositoryID)
}

// Percent reports progress as a percentage of TotalRecords.
func (j Job) Percent() float64 {
	if j.TotalRecords <= 0 {
		if j.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return float64(j.Processed) * 100 / float64(j.TotalRecords)
}

// Resumable reports whether the job can be run (again).
func (j Job) Resumable() bool {
	return j.Status != StatusCompleted
}
