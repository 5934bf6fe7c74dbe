package detection

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the review lifecycle of a detection.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDismissed Status = "dismissed"
	StatusMerging   Status = "merging"
	StatusMerged    Status = "merged"
)

var allStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusDismissed,
	StatusMerging,
	StatusMerged,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a string into a Status if it is recognized.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusDismissed || s == StatusMerged
}

// transitions lists the legal operator and merge-engine moves. merging is
// left only by a commit; a failed merge rolls its CAS back with the
// surrounding transaction rather than through a transition.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusDismissed, StatusMerging},
	StatusConfirmed: {StatusDismissed, StatusMerging},
	StatusMerging:   {StatusMerged},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// sourcesFor returns the statuses from which to is reachable.
func sourcesFor(to Status) []Status {
	var sources []Status
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// Method identifies the strategy that produced a detection.
type Method string

const (
	MethodExactIdentifier Method = "exact-identifier"
	MethodFuzzyIdentifier Method = "fuzzy-identifier"
	MethodFuzzyTitle      Method = "fuzzy-title"
	MethodAttachmentHash  Method = "attachment-hash"
	MethodComposite       Method = "composite"
)

var allMethods = []Method{
	MethodExactIdentifier,
	MethodFuzzyIdentifier,
	MethodFuzzyTitle,
	MethodAttachmentHash,
	MethodComposite,
}

// AllMethods returns every known detection method.
func AllMethods() []Method {
	out := make([]Method, len(allMethods))
	copy(out, allMethods)
	return out
}

// ParseMethod converts a string into a Method. Underscores are accepted in
// place of dashes.
func ParseMethod(value string) (Method, bool) {
	normalized := Method(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-"))
	for _, method := range allMethods {
		if method == normalized {
			return method, true
		}
	}
	return "", false
}

// Pair is an unordered pair of record ids, stored smaller id first.
type Pair struct {
	A int64
	B int64
}

// NewPair normalizes the order of two record ids.
func NewPair(x, y int64) Pair {
	if x > y {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// Valid reports whether the pair names two distinct positive record ids.
func (p Pair) Valid() bool {
	return p.A > 0 && p.B > 0 && p.A != p.B
}

// Other returns the member of the pair that is not id.
func (p Pair) Other(id int64) (int64, bool) {
	switch id {
	case p.A:
		return p.B, true
	case p.B:
		return p.A, true
	default:
		return 0, false
	}
}

func (p Pair) String() string {
	return fmt.Sprintf("%d/%d", p.A, p.B)
}

// Detection is a persisted duplicate-pair candidate.
type Detection struct {
	ID           int64
	RecordAID    int64
	RecordBID    int64
	Score        float64
	Method       Method
	Status       Status
	RepositoryID *int64
	ScanJobID    *int64
	DetailsJSON  string
	DetectedAt   time.Time
	UpdatedAt    time.Time
	ReviewedAt   *time.Time
	ReviewedBy   string
	ReviewNotes  string
}

// Pair returns the detection's record pair.
func (d Detection) Pair() Pair {
	return Pair{A: d.RecordAID, B: d.RecordBID}
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeRefreshed UpsertOutcome = "refreshed"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// UpsertParams describes a candidate pair produced by a scan.
type UpsertParams struct {
	Pair         Pair
	Method       Method
	Score        float64
	RepositoryID *int64
	ScanJobID    *int64
	DetailsJSON  string
	// Force lets a rescan overwrite confirmed and dismissed rows, returning
	// them to pending. Merged and merging rows are never touched.
	Force bool
}

// Filter narrows Query results.
type Filter struct {
	Statuses     []Status
	Methods      []Method
	MinScore     float64
	RepositoryID *int64
	RecordID     int64
	Limit        int
	Offset       int
}

// Page is one page of Query results plus the unpaged total.
type Page struct {
	Items  []Detection
	Total  int
	Limit  int
	Offset int
}

// TransitionOptions records who reviewed a detection and why.
type TransitionOptions struct {
	Actor string
	Notes string
}

// Stats summarizes the detection table.
type Stats struct {
	ByStatus         map[Status]int
	PendingByMethod  map[Method]int
	AverageScore     float64
	RecentMerges     int
	Total            int
	RecentMergeSince time.Time
}

// RecordFrequency counts how often a record appears in pending detections.
type RecordFrequency struct {
	RecordID int64
	Count    int
}
