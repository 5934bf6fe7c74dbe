package rules

import (
	"time"

	"dedupe/internal/detection"
)

// DefaultPriority and DefaultThreshold apply when a new rule leaves them unset.
const (
	DefaultPriority  = 100
	DefaultThreshold = 0.8
)

// Config holds method-specific tuning stored as JSON with the rule.
type Config struct {
	// MinLength skips fuzzy-title comparisons of shorter normalized titles.
	MinLength int `json:"min_length,omitempty"`
	// Algorithm overrides scan.title_algorithm for fuzzy-title.
	Algorithm string `json:"algorithm,omitempty"`
}

// Rule is one configured detection rule.
type Rule struct {
	ID           int64
	RepositoryID *int64
	Name         string
	Method       detection.Method
	Threshold    float64
	Config       Config
	Enabled      bool
	Blocking     bool
	Priority     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AppliesTo reports whether the rule covers records of repositoryID. Global
// rules cover every repository, including records without one.
func (r Rule) AppliesTo(repositoryID *int64) bool {
	if r.RepositoryID == nil {
		return true
	}
	return repositoryID != nil && *repositoryID == *r.RepositoryID
}
