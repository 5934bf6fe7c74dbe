package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a catalog record.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
)

// Record is a descriptive catalog entry.
type Record struct {
	ID           int64
	RepositoryID *int64
	ParentID     *int64
	Position     int
	Identifier   string
	Title        string
	Level        string
	Status       Status
	SupersededBy *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// AttachmentHashes holds the SHA-256 checksums of the record's digital
	// objects. Populated by the list and batch lookups the scanner uses.
	AttachmentHashes []string
}

// Active reports whether the record can take part in scans and merges.
func (r Record) Active() bool {
	return r.Status == StatusActive
}

// RepositoryKey renders the repository id for grouping, or "" when unset.
func (r Record) RepositoryKey() string {
	if r.RepositoryID == nil {
		return ""
	}
	return strconv.FormatInt(*r.RepositoryID, 10)
}

// DigitalObject is a file attached to a record.
type DigitalObject struct {
	ID             int64
	RecordID       int64
	Name           string
	ChecksumSHA256 string
	SizeBytes      int64
	CreatedAt      time.Time
}

// Slug is a public URL path segment that resolves to a record.
type Slug struct {
	Slug             string
	RecordID         int64
	OriginalRecordID int64
	RedirectedAt     *time.Time
}

// Redirected reports whether the slug now points away from its original record.
func (s Slug) Redirected() bool {
	return s.RecordID != s.OriginalRecordID
}

// NewRecord describes a record to insert. A zero ID lets SQLite assign one;
// a zero Position under a parent appends after the last sibling.
type NewRecord struct {
	ID           int64
	RepositoryID *int64
	ParentID     *int64
	Position     int
	Identifier   string
	Title        string
	Level        string
}

// Scope limits an operation to one repository or the whole catalog.
type Scope struct {
	RepositoryID *int64
}

// AllRecords is the catalog-wide scope.
var AllRecords = Scope{}

// Repository returns a scope covering a single repository.
func Repository(id int64) Scope {
	return Scope{RepositoryID: &id}
}

// All reports whether the scope covers the whole catalog.
func (s Scope) All() bool {
	return s.RepositoryID == nil
}

func (s Scope) String() string {
	if s.RepositoryID == nil {
		return "all"
	}
	return fmt.Sprintf("repository:%d", *s.RepositoryID)
}

// ParseScope accepts "all", "repository:<id>" or a bare repository id.
func ParseScope(value string) (Scope, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" || trimmed == "all" {
		return AllRecords, nil
	}
	trimmed = strings.TrimPrefix(trimmed, "repository:")
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || id <= 0 {
		return Scope{}, fmt.Errorf("invalid scope %q", value)
	}
	return Repository(id), nil
}
