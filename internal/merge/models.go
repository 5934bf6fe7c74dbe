package merge

import (
	"time"
)

// Plan describes what a merge would do.
type Plan struct {
	DetectionID         int64
	PrimaryID           int64
	SecondaryID         int64
	ChildrenMoved       int
	DigitalObjectsMoved int
	SlugsRedirected     int
	// Resulting counts on the primary once the merge commits.
	PrimaryChildren       int
	PrimaryDigitalObjects int
	// FieldChanges lists descriptive fields the primary would take from
	// the secondary.
	FieldChanges []FieldChange
	Snapshot     Snapshot
}

// Result reports a committed merge.
type Result struct {
	LogID               int64
	Reference           string
	DetectionID         int64
	PrimaryID           int64
	SecondaryID         int64
	ChildrenMoved       int
	DigitalObjectsMoved int
	SlugsRedirected     int
	FieldChanges        []FieldChange
	Notes               string
	PerformedBy         string
	PerformedAt         time.Time
}

// Log is an immutable merge log entry.
type Log struct {
	ID                  int64
	Reference           string
	DetectionID         int64
	PrimaryID           int64
	SecondaryID         int64
	DigitalObjectsMoved int
	ChildrenMoved       int
	SlugsRedirected     int
	Snapshot            Snapshot
	SnapshotEncoding    string
	PerformedBy         string
	PerformedAt         time.Time
	Notes               string
	// FieldChoices maps each descriptive field to the record that supplied
	// it; nil when the primary kept its own values.
	FieldChoices map[string]string
}

// LogFilter narrows merge log listings.
type LogFilter struct {
	// RecordID matches logs where the record was primary or secondary.
	RecordID    int64
	PerformedBy string
	Since       time.Time
	Limit       int
}

// Snapshot is the secondary record's state captured before a merge.
type Snapshot struct {
	Record         SnapshotRecord   `json:"record"`
	Children       []SnapshotChild  `json:"children"`
	DigitalObjects []SnapshotObject `json:"digital_objects"`
	Slugs          []SnapshotSlug   `json:"slugs"`
	CapturedAt     time.Time        `json:"captured_at"`
}

// SnapshotRecord holds the descriptive fields of the secondary.
type SnapshotRecord struct {
	ID           int64  `json:"id"`
	RepositoryID *int64 `json:"repository_id,omitempty"`
	ParentID     *int64 `json:"parent_id,omitempty"`
	Position     int    `json:"position"`
	Identifier   string `json:"identifier,omitempty"`
	Title        string `json:"title"`
	Level        string `json:"level,omitempty"`
	Status       string `json:"status"`
}

// SnapshotChild is a child of the secondary before reparenting.
type SnapshotChild struct {
	ID       int64  `json:"id"`
	Position int    `json:"position"`
	Title    string `json:"title"`
}

// SnapshotObject is a digital object of the secondary before the move.
type SnapshotObject struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	ChecksumSHA256 string `json:"checksum_sha256,omitempty"`
	SizeBytes      int64  `json:"size_bytes"`
}

// SnapshotSlug is a slug resolving to the secondary before the redirect.
type SnapshotSlug struct {
	Slug             string `json:"slug"`
	OriginalRecordID int64  `json:"original_record_id"`
}
