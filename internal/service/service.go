package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"dedupe/internal/catalog"
	"dedupe/internal/config"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/logging"
	"dedupe/internal/merge"
	"dedupe/internal/notifications"
	"dedupe/internal/rules"
	"dedupe/internal/scanjob"
	"dedupe/internal/scanner"
	"dedupe/internal/storage"
)

// statsWindow bounds the "recent merges" figure reported by Stats.
const statsWindow = 30 * 24 * time.Hour

// Service is the application facade over a single database.
type Service struct {
	cfg        *config.Config
	db         *storage.DB
	logger     *slog.Logger
	catalog    *catalog.Store
	detections *detection.Store
	jobs       *scanjob.Tracker
	rules      *rules.Store
	scanner    *scanner.Scanner
	merger     *merge.Engine
	notifier   notifications.Service
	ownsDB     bool
}

// Option customizes a Service.
type Option func(*Service)

// WithNotifier replaces the notifier built from configuration.
func WithNotifier(n notifications.Service) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// Open opens the configured database and builds a Service that closes it.
func Open(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	svc, err := New(cfg, db, logger, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	svc.ownsDB = true
	return svc, nil
}

// New builds a Service on an already opened database.
func New(cfg *config.Config, db *storage.DB, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil || db == nil {
		return nil, fmt.Errorf("service: config and database are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	svc := &Service{
		cfg:        cfg,
		db:         db,
		logger:     logging.NewComponentLogger(logger, "service"),
		catalog:    catalog.New(db),
		detections: detection.New(db, detection.WithAllowReopen(cfg.Review.AllowReopen)),
		jobs:       scanjob.New(db),
		rules:      rules.New(db),
		notifier:   notifications.NewService(cfg),
	}
	for _, opt := range opts {
		opt(svc)
	}
	scan, err := scanner.New(cfg, svc.catalog, svc.detections, svc.jobs, logger, scanner.WithRules(svc.rules))
	if err != nil {
		return nil, err
	}
	svc.scanner = scan
	svc.merger = merge.NewEngine(db, cfg, logger)
	return svc, nil
}

// Close releases the database when the Service opened it.
func (s *Service) Close() error {
	if s == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying database for health checks.
func (s *Service) DB() *storage.DB {
	return s.db
}

// actor resolves the acting user from the explicit value, the context, and
// finally the configured default.
func (s *Service) actor(ctx context.Context, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if v, ok := logging.ActorFromContext(ctx); ok {
		return v
	}
	return s.cfg.Merge.DefaultActor
}

// StartScan reclaims stale running jobs and then creates a new pending job.
func (s *Service) StartScan(ctx context.Context, scope catalog.Scope, limit int64) (int64, error) {
	if _, err := s.ReclaimStaleJobs(ctx); err != nil {
		return 0, err
	}
	return s.scanner.StartScan(ctx, scope, limit)
}

// RunScan executes or resumes a scan job.
func (s *Service) RunScan(ctx context.Context, jobID int64, progress scanner.ProgressFunc, force bool) (scanner.Result, error) {
	ctx = logging.WithJobID(ctx, jobID)
	started := time.Now()
	result, err := s.scanner.RunScan(ctx, jobID, progress, scanner.WithForce(force))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.notify(ctx, "scan failure", func(ctx context.Context) error {
				return s.notifier.NotifyScanFailed(ctx, jobID, err)
			})
		}
		return result, err
	}
	summary := notifications.ScanSummary{
		JobID:           jobID,
		Processed:       result.Processed,
		DuplicatesFound: result.DuplicatesFound,
		PairErrors:      result.PairErrors,
		Duration:        time.Since(started),
	}
	if job, jobErr := s.jobs.Get(ctx, jobID); jobErr == nil {
		summary.Scope = job.Scope().String()
	}
	s.notify(ctx, "scan completion", func(ctx context.Context) error {
		return s.notifier.NotifyScanCompleted(ctx, summary)
	})
	return result, nil
}

// TestNotification sends a test message through the configured notifier.
func (s *Service) TestNotification(ctx context.Context) error {
	return s.notifier.TestNotification(ctx)
}

// notify delivers a notification, logging rather than returning failures.
func (s *Service) notify(ctx context.Context, what string, send func(context.Context) error) {
	// The caller's context may already be cancelled once a scan fails.
	if err := send(context.WithoutCancel(ctx)); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), what+" notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "operators were not notified; the operation itself succeeded"),
		)
	}
}

// ReclaimStaleJobs fails running jobs that have not checkpointed within the
// configured window.
func (s *Service) ReclaimStaleJobs(ctx context.Context) (int64, error) {
	cutoff := storage.Now().Add(-s.cfg.StaleAfter())
	n, err := s.jobs.ReclaimStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.WarnWithContext(s.logger, "reclaimed stale scan jobs", "scan_job_reclaimed",
			logging.Int64("count", n),
			logging.String(logging.FieldImpact, "jobs marked failed; rerun them to resume from their checkpoint"),
		)
	}
	return n, nil
}

// Job returns one scan job.
func (s *Service) Job(ctx context.Context, id int64) (*scanjob.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Jobs lists recent scan jobs.
func (s *Service) Jobs(ctx context.Context, limit int) ([]scanjob.Job, error) {
	return s.jobs.List(ctx, limit)
}

// Check scores a prospective record against scope without persisting.
func (s *Service) Check(ctx context.Context, candidate catalog.Record, scope catalog.Scope) ([]scanner.Match, error) {
	return s.scanner.Check(ctx, candidate, scope)
}

// Record returns a catalog record.
func (s *Service) Record(ctx context.Context, id int64) (*catalog.Record, error) {
	return s.catalog.Record(ctx, id)
}

// Detection returns one detection.
func (s *Service) Detection(ctx context.Context, id int64) (*detection.Detection, error) {
	return s.detections.Get(ctx, id)
}

// QueryDetections lists detections matching filter.
func (s *Service) QueryDetections(ctx context.Context, filter detection.Filter) (detection.Page, error) {
	return s.detections.Query(ctx, filter)
}

// Confirm marks a pending detection as a true duplicate.
func (s *Service) Confirm(ctx context.Context, id int64, actor, notes string) (*detection.Detection, error) {
	return s.review(ctx, id, actor, func(opts detection.TransitionOptions) (*detection.Detection, error) {
		opts.Notes = notes
		return s.detections.Confirm(ctx, id, opts)
	})
}

// Dismiss marks a detection as a false positive.
func (s *Service) Dismiss(ctx context.Context, id int64, actor, notes string) (*detection.Detection, error) {
	return s.review(ctx, id, actor, func(opts detection.TransitionOptions) (*detection.Detection, error) {
		opts.Notes = notes
		return s.detections.Dismiss(ctx, id, opts)
	})
}

// Reopen returns a dismissed detection to pending when policy allows it.
func (s *Service) Reopen(ctx context.Context, id int64, actor string) (*detection.Detection, error) {
	return s.review(ctx, id, actor, func(opts detection.TransitionOptions) (*detection.Detection, error) {
		return s.detections.Reopen(ctx, id, opts.Actor)
	})
}

func (s *Service) review(ctx context.Context, id int64, actor string, fn func(detection.TransitionOptions) (*detection.Detection, error)) (*detection.Detection, error) {
	opts := detection.TransitionOptions{Actor: s.actor(ctx, actor)}
	d, err := fn(opts)
	if err != nil {
		return nil, err
	}
	logging.WithContext(ctx, s.logger).Info("detection reviewed",
		logging.DetectionID(id),
		logging.String("status", string(d.Status)),
		logging.String(logging.FieldActor, opts.Actor),
	)
	return d, nil
}

// MergeRequest describes a merge or a dry-run preview.
type MergeRequest struct {
	DetectionID     int64
	PrimaryRecordID int64
	Actor           string
	DryRun          bool
	Notes           string
	// TakeFields names descriptive fields the primary takes from the
	// secondary.
	TakeFields []string
}

// Outcome carries either a committed result or, for dry runs, the plan.
type Outcome struct {
	Result *merge.Result
	Plan   *merge.Plan
}

// MergeRecords merges a detection's pair, or previews it when DryRun is set.
func (s *Service) MergeRecords(ctx context.Context, req MergeRequest) (Outcome, error) {
	if req.DetectionID <= 0 || req.PrimaryRecordID <= 0 {
		return Outcome{}, dedupeerr.Validation("service", "detection and primary record are required")
	}
	opts := []merge.MergeOption{merge.WithNotes(req.Notes), merge.TakeFields(req.TakeFields...)}
	if req.DryRun {
		plan, err := s.merger.Preview(ctx, req.DetectionID, req.PrimaryRecordID, opts...)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Plan: &plan}, nil
	}
	actor := s.actor(ctx, req.Actor)
	ctx = logging.WithActor(ctx, actor)
	result, err := s.merger.Merge(ctx, req.DetectionID, req.PrimaryRecordID, actor, opts...)
	if err != nil {
		return Outcome{}, err
	}
	s.notify(ctx, "merge", func(ctx context.Context) error {
		return s.notifier.NotifyMergeCommitted(ctx, notifications.MergeSummary{
			DetectionID: result.DetectionID,
			PrimaryID:   result.PrimaryID,
			SecondaryID: result.SecondaryID,
			Reference:   result.Reference,
			PerformedBy: result.PerformedBy,
		})
	})
	return Outcome{Result: &result}, nil
}

// ResolvePrimary maps a CLI primary choice onto a record ID. "a" and "b"
// pick the detection's lower or higher record; a number must be one of them.
func ResolvePrimary(d *detection.Detection, choice string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(choice)) {
	case "", "a":
		return d.RecordAID, nil
	case "b":
		return d.RecordBID, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(choice), 10, 64)
	if err != nil {
		return 0, dedupeerr.Validation("service", fmt.Sprintf("primary must be a, b, or a record id; got %q", choice))
	}
	if _, ok := d.Pair().Other(id); !ok {
		return 0, dedupeerr.Validation("service", fmt.Sprintf("record %d is not part of detection %d", id, d.ID))
	}
	return id, nil
}

// MergeLog returns the log written for a merged detection.
func (s *Service) MergeLog(ctx context.Context, detectionID int64) (*merge.Log, error) {
	return s.merger.LogByDetection(ctx, detectionID)
}

// MergeLogs lists merge log entries.
func (s *Service) MergeLogs(ctx context.Context, filter merge.LogFilter) ([]merge.Log, error) {
	return s.merger.Logs(ctx, filter)
}

// Rules lists every detection rule in evaluation order.
func (s *Service) Rules(ctx context.Context) ([]rules.Rule, error) {
	return s.rules.List(ctx)
}

// Rule returns one detection rule.
func (s *Service) Rule(ctx context.Context, id int64) (*rules.Rule, error) {
	return s.rules.Get(ctx, id)
}

// CreateRule stores a new detection rule.
func (s *Service) CreateRule(ctx context.Context, rule rules.Rule) (*rules.Rule, error) {
	created, err := s.rules.Create(ctx, rule)
	if err != nil {
		return nil, err
	}
	s.logRule(ctx, "detection rule created", created)
	return created, nil
}

// UpdateRule replaces an existing detection rule.
func (s *Service) UpdateRule(ctx context.Context, rule rules.Rule) (*rules.Rule, error) {
	updated, err := s.rules.Update(ctx, rule)
	if err != nil {
		return nil, err
	}
	s.logRule(ctx, "detection rule updated", updated)
	return updated, nil
}

// DeleteRule removes a detection rule.
func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	logging.WithContext(ctx, s.logger).Info("detection rule deleted", logging.Int64("rule_id", id))
	return nil
}

func (s *Service) logRule(ctx context.Context, msg string, rule *rules.Rule) {
	logging.WithContext(ctx, s.logger).Info(msg,
		logging.Int64("rule_id", rule.ID),
		logging.String("name", rule.Name),
		logging.String("method", string(rule.Method)),
		logging.Float64("threshold", rule.Threshold),
		logging.Bool("enabled", rule.Enabled),
		logging.Bool("blocking", rule.Blocking),
	)
}

// FieldComparison is one row of a side-by-side detection comparison.
type FieldComparison struct {
	Field string
	A     string
	B     string
	Match bool
}

// Comparison shows a detection's two records side by side.
type Comparison struct {
	Detection *detection.Detection
	A         *catalog.Record
	B         *catalog.Record
	Fields    []FieldComparison
}

// Compare lines up the descriptive fields and holdings of a detection's
// records so a reviewer can pick the primary.
func (s *Service) Compare(ctx context.Context, detectionID int64) (Comparison, error) {
	d, err := s.detections.Get(ctx, detectionID)
	if err != nil {
		return Comparison{}, err
	}
	a, err := s.catalog.Record(ctx, d.RecordAID)
	if err != nil {
		return Comparison{}, err
	}
	b, err := s.catalog.Record(ctx, d.RecordBID)
	if err != nil {
		return Comparison{}, err
	}
	countsA, err := s.holdings(ctx, a.ID)
	if err != nil {
		return Comparison{}, err
	}
	countsB, err := s.holdings(ctx, b.ID)
	if err != nil {
		return Comparison{}, err
	}

	rows := [][3]string{
		{"title", a.Title, b.Title},
		{"identifier", a.Identifier, b.Identifier},
		{"level", a.Level, b.Level},
		{"repository", optionalID(a.RepositoryID), optionalID(b.RepositoryID)},
		{"parent", optionalID(a.ParentID), optionalID(b.ParentID)},
		{"status", string(a.Status), string(b.Status)},
		{"children", strconv.Itoa(countsA[0]), strconv.Itoa(countsB[0])},
		{"digital_objects", strconv.Itoa(countsA[1]), strconv.Itoa(countsB[1])},
		{"slugs", strconv.Itoa(countsA[2]), strconv.Itoa(countsB[2])},
	}
	fields := make([]FieldComparison, 0, len(rows))
	for _, row := range rows {
		fields = append(fields, FieldComparison{
			Field: row[0],
			A:     row[1],
			B:     row[2],
			Match: strings.TrimSpace(row[1]) == strings.TrimSpace(row[2]),
		})
	}
	return Comparison{Detection: d, A: a, B: b, Fields: fields}, nil
}

// holdings counts a record's children, digital objects, and slugs.
func (s *Service) holdings(ctx context.Context, id int64) ([3]int, error) {
	var counts [3]int
	children, err := s.catalog.Children(ctx, id)
	if err != nil {
		return counts, err
	}
	objects, err := s.catalog.DigitalObjects(ctx, id)
	if err != nil {
		return counts, err
	}
	slugs, err := s.catalog.Slugs(ctx, id)
	if err != nil {
		return counts, err
	}
	counts[0], counts[1], counts[2] = len(children), len(objects), len(slugs)
	return counts, nil
}

func optionalID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

// Stats aggregates review and scan figures.
type Stats struct {
	Detections detection.Stats
	TopRecords []detection.RecordFrequency
	Records    int64
	Jobs       map[scanjob.Status]int
}

// Stats reports detection counts, frequently flagged records, and job status
// totals.
func (s *Service) Stats(ctx context.Context, topN int) (Stats, error) {
	detStats, err := s.detections.Stats(ctx, storage.Now().Add(-statsWindow))
	if err != nil {
		return Stats{}, err
	}
	top, err := s.detections.TopRecords(ctx, topN)
	if err != nil {
		return Stats{}, err
	}
	records, err := s.catalog.CountRecords(ctx, catalog.AllRecords)
	if err != nil {
		return Stats{}, err
	}
	jobs, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Detections: detStats, TopRecords: top, Records: records, Jobs: jobs}, nil
}

// ImportCatalog loads records from a JSON array in one transaction.
func (s *Service) ImportCatalog(ctx context.Context, r io.Reader) (catalog.ImportSummary, error) {
	var summary catalog.ImportSummary
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		summary, err = s.catalog.WithTx(tx).Import(ctx, r)
		return err
	})
	if err != nil {
		return catalog.ImportSummary{}, err
	}
	s.logger.Info("catalog imported",
		logging.Int("records", summary.Records),
		logging.Int("digital_objects", summary.DigitalObjects),
		logging.Int("slugs", summary.Slugs),
	)
	return summary, nil
}
