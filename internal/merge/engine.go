package merge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"dedupe/internal/catalog"
	"dedupe/internal/config"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/logging"
	"dedupe/internal/storage"
)

// Engine performs previews and merges.
type Engine struct {
	db         *storage.DB
	catalog    *catalog.Store
	detections *detection.Store
	logs       *LogStore
	locks      *lockSet
	timeout    time.Duration
	policy     string
	logger     *slog.Logger

	// beforeLog runs inside the transaction just before the log is written.
	beforeLog func(context.Context) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTimeout overrides merge.timeout_seconds.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// NewEngine builds an Engine over the shared database.
func NewEngine(db *storage.DB, cfg *config.Config, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:         db,
		catalog:    catalog.New(db),
		detections: detection.New(db),
		logs:       NewLogStore(db),
		locks:      newLockSet(),
		timeout:    cfg.MergeTimeout(),
		policy:     cfg.Merge.SupersededPolicy,
		logger:     logging.NewComponentLogger(logger, "merge"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// secondaryOf validates the primary choice against the detection's pair.
func secondaryOf(d *detection.Detection, primaryID int64) (int64, error) {
	secondary, ok := d.Pair().Other(primaryID)
	if !ok {
		return 0, dedupeerr.Validation("merge", fmt.Sprintf("record %d is not part of detection %d (%d/%d)", primaryID, d.ID, d.RecordAID, d.RecordBID))
	}
	return secondary, nil
}

func checkMergeable(d *detection.Detection) error {
	switch d.Status {
	case detection.StatusMerged:
		return dedupeerr.Conflict("merge", fmt.Sprintf("detection %d is already merged", d.ID))
	case detection.StatusMerging:
		return dedupeerr.Conflict("merge", fmt.Sprintf("detection %d is being merged", d.ID))
	case detection.StatusDismissed:
		return dedupeerr.Conflict("merge", fmt.Sprintf("detection %d was dismissed", d.ID))
	}
	return nil
}

func checkActive(records ...*catalog.Record) error {
	for _, rec := range records {
		if rec.Active() {
			continue
		}
		var by int64
		if rec.SupersededBy != nil {
			by = *rec.SupersededBy
		}
		return &dedupeerr.SupersededError{RecordID: rec.ID, SupersededBy: by}
	}
	return nil
}

// checkHierarchy refuses a merge whose primary sits below the secondary.
// Reparenting the secondary's children would otherwise make the primary its
// own ancestor.
func checkHierarchy(ctx context.Context, store *catalog.Store, primaryID, secondaryID int64) error {
	nested, err := store.IsAncestor(ctx, secondaryID, primaryID)
	if err != nil {
		return err
	}
	if nested {
		return dedupeerr.Validation("merge", fmt.Sprintf(
			"record %d is nested under record %d; choose record %d as primary or move record %d out of that tree first",
			primaryID, secondaryID, secondaryID, primaryID))
	}
	return nil
}

// plan gathers the snapshot and counts for merging secondary into primary.
func plan(ctx context.Context, store *catalog.Store, detectionID int64, primary, secondary *catalog.Record, at time.Time) (Plan, error) {
	p := Plan{DetectionID: detectionID, PrimaryID: primary.ID, SecondaryID: secondary.ID}

	children, err := store.Children(ctx, secondary.ID)
	if err != nil {
		return p, err
	}
	objects, err := store.DigitalObjects(ctx, secondary.ID)
	if err != nil {
		return p, err
	}
	slugs, err := store.Slugs(ctx, secondary.ID)
	if err != nil {
		return p, err
	}
	primaryChildren, err := store.Children(ctx, primary.ID)
	if err != nil {
		return p, err
	}
	primaryObjects, err := store.DigitalObjects(ctx, primary.ID)
	if err != nil {
		return p, err
	}

	snapshot := Snapshot{
		Record: SnapshotRecord{
			ID:           secondary.ID,
			RepositoryID: secondary.RepositoryID,
			ParentID:     secondary.ParentID,
			Position:     secondary.Position,
			Identifier:   secondary.Identifier,
			Title:        secondary.Title,
			Level:        secondary.Level,
			Status:       string(secondary.Status),
		},
		Children:       make([]SnapshotChild, 0, len(children)),
		DigitalObjects: make([]SnapshotObject, 0, len(objects)),
		Slugs:          make([]SnapshotSlug, 0, len(slugs)),
		CapturedAt:     at,
	}
	for _, child := range children {
		snapshot.Children = append(snapshot.Children, SnapshotChild{ID: child.ID, Position: child.Position, Title: child.Title})
	}
	for _, obj := range objects {
		snapshot.DigitalObjects = append(snapshot.DigitalObjects, SnapshotObject{
			ID:             obj.ID,
			Name:           obj.Name,
			ChecksumSHA256: obj.ChecksumSHA256,
			SizeBytes:      obj.SizeBytes,
		})
	}
	for _, slug := range slugs {
		snapshot.Slugs = append(snapshot.Slugs, SnapshotSlug{Slug: slug.Slug, OriginalRecordID: slug.OriginalRecordID})
	}

	p.ChildrenMoved = len(children)
	p.DigitalObjectsMoved = len(objects)
	p.SlugsRedirected = len(slugs)
	p.PrimaryChildren = len(primaryChildren) + len(children)
	p.PrimaryDigitalObjects = len(primaryObjects) + len(objects)
	p.Snapshot = snapshot
	return p, nil
}

// Preview computes the merge plan without writing anything. It runs the
// same precondition checks as Merge but takes no locks.
func (e *Engine) Preview(ctx context.Context, detectionID, primaryID int64, opts ...MergeOption) (Plan, error) {
	options, err := resolveOptions(opts)
	if err != nil {
		return Plan{}, err
	}
	d, err := e.detections.Get(ctx, detectionID)
	if err != nil {
		return Plan{}, err
	}
	if err := checkMergeable(d); err != nil {
		return Plan{}, err
	}
	secondaryID, err := secondaryOf(d, primaryID)
	if err != nil {
		return Plan{}, err
	}
	primary, err := e.catalog.Record(ctx, primaryID)
	if err != nil {
		return Plan{}, err
	}
	secondary, err := e.catalog.Record(ctx, secondaryID)
	if err != nil {
		return Plan{}, err
	}
	if err := checkActive(secondary, primary); err != nil {
		return Plan{}, err
	}
	if err := checkHierarchy(ctx, e.catalog, primaryID, secondaryID); err != nil {
		return Plan{}, err
	}
	p, err := plan(ctx, e.catalog, detectionID, primary, secondary, storage.Now())
	if err != nil {
		return Plan{}, dedupeerr.Wrap(dedupeerr.ErrTransaction, "merge", "preview", fmt.Sprintf("detection %d", detectionID), err)
	}
	_, p.FieldChanges = describe(primary, secondary, options.take)
	return p, nil
}

// Merge folds the non-primary record of a detection into primaryID. It
// either commits every step or none of them.
func (e *Engine) Merge(ctx context.Context, detectionID, primaryID int64, actor string, opts ...MergeOption) (Result, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Result{}, dedupeerr.Validation("merge", "acting user is required")
	}
	options, err := resolveOptions(opts)
	if err != nil {
		return Result{}, err
	}
	d, err := e.detections.Get(ctx, detectionID)
	if err != nil {
		return Result{}, err
	}
	secondaryID, err := secondaryOf(d, primaryID)
	if err != nil {
		return Result{}, err
	}

	release, busy, ok := e.locks.tryAcquire(detectionKey(detectionID), recordKey(primaryID), recordKey(secondaryID))
	if !ok {
		return Result{}, dedupeerr.Conflict("merge", fmt.Sprintf("%s is locked by a merge in progress", busy))
	}
	defer release()

	logger := logging.WithContext(ctx, e.logger).With(
		logging.DetectionID(detectionID),
		logging.Int64("primary_id", primaryID),
		logging.Int64("secondary_id", secondaryID),
	)

	txCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	started := time.Now()
	var result Result
	err = e.db.WithTx(txCtx, func(tx *sql.Tx) error {
		var txErr error
		result, txErr = e.mergeTx(txCtx, tx, detectionID, primaryID, secondaryID, actor, options)
		return txErr
	})
	if err != nil {
		return Result{}, e.classify(ctx, txCtx, logger, detectionID, actor, err)
	}

	logger.Info("merge committed",
		logging.String("reference", result.Reference),
		logging.String(logging.FieldActor, actor),
		logging.Int("children_moved", result.ChildrenMoved),
		logging.Int("digital_objects_moved", result.DigitalObjectsMoved),
		logging.Int("slugs_redirected", result.SlugsRedirected),
		logging.Int("fields_taken", len(result.FieldChanges)),
		logging.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (e *Engine) mergeTx(ctx context.Context, tx *sql.Tx, detectionID, primaryID, secondaryID int64, actor string, options mergeOptions) (Result, error) {
	cat := e.catalog.WithTx(tx)
	det := e.detections.WithTx(tx)
	logs := e.logs.WithTx(tx)

	// Re-read under the write lock; the pre-lock read may be stale.
	current, err := det.Get(ctx, detectionID)
	if err != nil {
		return Result{}, err
	}
	if err := checkMergeable(current); err != nil {
		return Result{}, err
	}
	if _, err := det.BeginMerge(ctx, detectionID); err != nil {
		return Result{}, err
	}

	primary, err := cat.Record(ctx, primaryID)
	if err != nil {
		return Result{}, err
	}
	secondary, err := cat.Record(ctx, secondaryID)
	if err != nil {
		return Result{}, err
	}
	if err := checkActive(secondary, primary); err != nil {
		return Result{}, err
	}
	if err := checkHierarchy(ctx, cat, primaryID, secondaryID); err != nil {
		return Result{}, err
	}

	now := storage.Now()
	if err := cat.Touch(ctx, primaryID, now); err != nil {
		return Result{}, err
	}
	if err := cat.Touch(ctx, secondaryID, now); err != nil {
		return Result{}, err
	}

	p, err := plan(ctx, cat, detectionID, primary, secondary, now)
	if err != nil {
		return Result{}, err
	}

	desc, changes := describe(primary, secondary, options.take)
	if len(changes) > 0 {
		if err := cat.SetDescription(ctx, primaryID, desc, now); err != nil {
			return Result{}, err
		}
	}

	children, err := cat.ReparentChildren(ctx, secondaryID, primaryID)
	if err != nil {
		return Result{}, err
	}
	objects, err := cat.MoveDigitalObjects(ctx, secondaryID, primaryID)
	if err != nil {
		return Result{}, err
	}
	slugs, err := cat.RedirectSlugs(ctx, secondaryID, primaryID, now)
	if err != nil {
		return Result{}, err
	}
	if err := cat.MarkSuperseded(ctx, secondaryID, primaryID, now); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if e.beforeLog != nil {
		if err := e.beforeLog(ctx); err != nil {
			return Result{}, err
		}
	}

	entry := Log{
		Reference:           uuid.NewString(),
		DetectionID:         detectionID,
		PrimaryID:           primaryID,
		SecondaryID:         secondaryID,
		DigitalObjectsMoved: int(objects),
		ChildrenMoved:       int(children),
		SlugsRedirected:     int(slugs),
		Snapshot:            p.Snapshot,
		PerformedBy:         actor,
		PerformedAt:         now,
		Notes:               options.notes,
		FieldChoices:        fieldChoices(options.take),
	}
	logID, err := logs.Insert(ctx, entry)
	if err != nil {
		return Result{}, err
	}
	if _, err := det.CommitMerge(ctx, detectionID, actor); err != nil {
		return Result{}, err
	}

	return Result{
		LogID:               logID,
		Reference:           entry.Reference,
		DetectionID:         detectionID,
		PrimaryID:           primaryID,
		SecondaryID:         secondaryID,
		ChildrenMoved:       entry.ChildrenMoved,
		DigitalObjectsMoved: entry.DigitalObjectsMoved,
		SlugsRedirected:     entry.SlugsRedirected,
		FieldChanges:        changes,
		Notes:               options.notes,
		PerformedBy:         actor,
		PerformedAt:         now,
	}, nil
}

// classify maps a rolled-back merge onto the error taxonomy and applies the
// superseded policy.
func (e *Engine) classify(ctx, txCtx context.Context, logger *slog.Logger, detectionID int64, actor string, err error) error {
	switch {
	case errors.Is(err, dedupeerr.ErrSuperseded):
		logging.WarnWithContext(logger, "merge refused: record already superseded", "merge_superseded",
			logging.Error(err),
			logging.String("policy", e.policy),
			logging.String(logging.FieldErrorHint, "rescan to obtain a detection against the surviving record"),
			logging.String(logging.FieldImpact, "no changes were made"),
		)
		if e.policy == config.SupersededPolicyDismiss {
			if _, dismissErr := e.detections.Dismiss(ctx, detectionID, detection.TransitionOptions{
				Actor: actor,
				Notes: "superseded by merge",
			}); dismissErr != nil {
				logger.Warn("failed to dismiss superseded detection", logging.Error(dismissErr))
			}
		}
		return err
	case errors.Is(err, dedupeerr.ErrValidation),
		errors.Is(err, dedupeerr.ErrNotFound),
		errors.Is(err, dedupeerr.ErrConflict):
		return err
	case errors.Is(txCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		logging.ErrorWithContext(logger, "merge timed out", "merge_timeout",
			logging.Duration("timeout", e.timeout),
			logging.String(logging.FieldErrorHint, "raise merge.timeout_seconds or retry when the catalog is idle"),
		)
		return dedupeerr.Wrap(dedupeerr.ErrTimeout, "merge", "merge", fmt.Sprintf("detection %d exceeded %s; rolled back", detectionID, e.timeout), err)
	default:
		logging.ErrorWithContext(logger, "merge rolled back", "merge_failed", logging.Error(err))
		return dedupeerr.Wrap(dedupeerr.ErrTransaction, "merge", "merge", fmt.Sprintf("detection %d rolled back", detectionID), err)
	}
}

// Logs lists merge logs.
func (e *Engine) Logs(ctx context.Context, filter LogFilter) ([]Log, error) {
	return e.logs.List(ctx, filter)
}

// LogByDetection returns the merge log of a detection.
func (e *Engine) LogByDetection(ctx context.Context, detectionID int64) (*Log, error) {
	return e.logs.ByDetection(ctx, detectionID)
}
