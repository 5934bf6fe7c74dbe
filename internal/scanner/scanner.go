package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dedupe/internal/catalog"
	"dedupe/internal/config"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/logging"
	"dedupe/internal/rules"
	"dedupe/internal/scanjob"
	"dedupe/internal/similarity"
)

// RecordSource is the slice of the record store the scanner reads.
type RecordSource interface {
	CountRecords(ctx context.Context, scope catalog.Scope) (int64, error)
	ListRecords(ctx context.Context, scope catalog.Scope, afterID int64, limit int) ([]catalog.Record, error)
	RecordsByID(ctx context.Context, ids []int64) ([]catalog.Record, error)
}

// RuleSource supplies the enabled detection rules in evaluation order.
type RuleSource interface {
	Enabled(ctx context.Context) ([]rules.Rule, error)
}

// ProgressFunc receives progress after every checkpoint.
type ProgressFunc func(processed, total int64)

// Result summarizes one RunScan call.
type Result struct {
	JobID           int64
	Processed       int64
	DuplicatesFound int64
	// Skipped counts oversized blocks left out of the comparison.
	Skipped    int
	PairErrors int64
}

// Scanner runs scan jobs.
type Scanner struct {
	cfg        config.Scan
	lockDir    string
	records    RecordSource
	detections *detection.Store
	jobs       *scanjob.Tracker
	rules      RuleSource
	strategies []similarity.Strategy
	weights    similarity.Weights
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithRules makes enabled detection rules take precedence over
// scan.methods and scan.threshold whenever at least one exists.
func WithRules(source RuleSource) Option {
	return func(s *Scanner) {
		s.rules = source
	}
}

// fetchBatch bounds the ids sent in one RecordsByID query.
const fetchBatch = 500

// New builds a Scanner from the scan configuration.
func New(cfg *config.Config, records RecordSource, detections *detection.Store, jobs *scanjob.Tracker, logger *slog.Logger, opts ...Option) (*Scanner, error) {
	if cfg == nil || records == nil || detections == nil || jobs == nil {
		return nil, errors.New("scanner requires config, record source, detection store, and job tracker")
	}
	weights := similarity.Weights{
		Identifier: cfg.Scan.Weights.Identifier,
		Title:      cfg.Scan.Weights.Title,
		Attachment: cfg.Scan.Weights.Attachment,
	}
	registry, err := similarity.NewRegistry(similarity.Options{
		TitleAlgorithm: cfg.Scan.TitleAlgorithm,
		Weights:        weights,
	})
	if err != nil {
		return nil, dedupeerr.Wrap(dedupeerr.ErrValidation, "scanner", "configure", "invalid similarity settings", err)
	}
	strategies, err := registry.Select(cfg.Scan.Methods)
	if err != nil {
		return nil, dedupeerr.Wrap(dedupeerr.ErrValidation, "scanner", "configure", "invalid scan methods", err)
	}

	s := &Scanner{
		cfg:        cfg.Scan,
		lockDir:    cfg.LockDir(),
		records:    records,
		detections: detections,
		jobs:       jobs,
		strategies: strategies,
		weights:    weights,
		logger:     logging.NewComponentLogger(logger, "scanner"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if rps := cfg.Scan.MaxRecordsPerSecond; rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), max(rps, cfg.Scan.ChunkSize))
	}
	return s, nil
}

// RunOption customizes a RunScan call.
type RunOption func(*runOptions)

type runOptions struct {
	force bool
}

// WithForce lets the run refresh confirmed and dismissed detections.
func WithForce(force bool) RunOption {
	return func(o *runOptions) {
		o.force = force
	}
}

// StartScan creates a pending job covering scope. A positive limit caps the
// number of records the job visits.
func (s *Scanner) StartScan(ctx context.Context, scope catalog.Scope, limit int64) (int64, error) {
	if limit < 0 {
		return 0, dedupeerr.Validation("scanner", "limit must be non-negative")
	}
	total, err := s.records.CountRecords(ctx, scope)
	if err != nil {
		return 0, dedupeerr.Wrap(dedupeerr.ErrTransaction, "scanner", "start scan", "count records", err)
	}
	if limit > 0 && limit < total {
		total = limit
	}
	job, err := s.jobs.Create(ctx, scope, total, limit)
	if err != nil {
		return 0, err
	}
	s.logger.Info("scan job created",
		logging.JobID(job.ID),
		logging.String("scope", scope.String()),
		logging.Int64("total_records", total),
	)
	return job.ID, nil
}

// RunScan executes (or resumes) a job. Per-pair failures are logged and
// counted; storage failures and cancellation leave the job failed with its
// last checkpoint intact.
func (s *Scanner) RunScan(ctx context.Context, jobID int64, progress ProgressFunc, opts ...RunOption) (Result, error) {
	var options runOptions
	for _, opt := range opts {
		opt(&options)
	}
	result := Result{JobID: jobID}

	if err := os.MkdirAll(s.lockDir, 0o755); err != nil {
		return result, fmt.Errorf("create lock dir: %w", err)
	}
	lockPath := filepath.Join(s.lockDir, fmt.Sprintf("scan-%d.lock", jobID))
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return result, fmt.Errorf("acquire scan lock: %w", err)
	}
	if !locked {
		return result, dedupeerr.Conflict("scanner", fmt.Sprintf("scan job %d is already running in another process", jobID))
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("failed to release scan lock", logging.String("lock", lockPath), logging.Error(err))
		}
	}()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return result, err
	}
	if job.Status == scanjob.StatusCompleted {
		return result, dedupeerr.Conflict("scanner", fmt.Sprintf("scan job %d already completed; start a new scan", jobID))
	}
	if job, err = s.jobs.Start(ctx, jobID); err != nil {
		return result, err
	}

	ctx = logging.WithJobID(ctx, jobID)
	logger := logging.WithContext(ctx, s.logger)
	evaluators, err := s.evaluators(ctx)
	if err != nil {
		return result, s.abort(ctx, logger, jobID, err)
	}
	logger.Info("scan started",
		logging.String("scope", job.Scope().String()),
		logging.Int64("total_records", job.TotalRecords),
		logging.Int64("resume_after", job.LastCheckpointID),
		logging.Bool("force", options.force),
		logging.Bool("rules", len(evaluators) > 0 && evaluators[0].rule != nil),
		logging.Int("evaluators", len(evaluators)),
	)
	run := &scanRun{
		Scanner:    s,
		job:        job,
		logger:     logger,
		force:      options.force,
		result:     &result,
		evaluators: evaluators,
	}
	if err := run.execute(ctx, progress); err != nil {
		return result, s.abort(ctx, logger, jobID, err)
	}

	final, err := s.jobs.Complete(ctx, jobID)
	if err != nil {
		return result, s.abort(ctx, logger, jobID, err)
	}
	result.Processed = final.Processed
	if short := final.TotalRecords - final.Processed; short > 0 {
		logging.WarnWithContext(logger, "scan visited fewer records than planned", "scan_short",
			logging.Int64("processed", final.Processed),
			logging.Int64("total_records", final.TotalRecords),
			logging.Int64("missing", short),
			logging.String(logging.FieldErrorHint, "records were superseded or left the scope after the job was created"),
			logging.String(logging.FieldImpact, "those records were not compared by this job"),
		)
	}
	logger.Info("scan completed",
		logging.Int64("processed", result.Processed),
		logging.Int64("duplicates_found", result.DuplicatesFound),
		logging.Int("skipped_blocks", result.Skipped),
		logging.Int64("pair_errors", result.PairErrors),
	)
	return result, nil
}

// abort marks the job failed and classifies err for the caller.
func (s *Scanner) abort(ctx context.Context, logger *slog.Logger, jobID int64, err error) error {
	reason := err.Error()
	cancelled := ctx.Err() != nil
	if cancelled {
		reason = "cancelled"
	}
	if _, failErr := s.jobs.Fail(context.WithoutCancel(ctx), jobID, reason); failErr != nil {
		logger.Error("failed to mark scan job failed", logging.Error(failErr))
	}
	if cancelled {
		logger.Info("scan cancelled; resume to continue from the last checkpoint")
		return fmt.Errorf("scan job %d cancelled: %w", jobID, ctx.Err())
	}
	logging.ErrorWithContext(logger, "scan failed", "scan_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "resolve the storage error and rerun the job to resume"),
	)
	if errors.Is(err, dedupeerr.ErrValidation) || errors.Is(err, dedupeerr.ErrConflict) {
		return err
	}
	return dedupeerr.Wrap(dedupeerr.ErrTransaction, "scanner", "run scan", fmt.Sprintf("job %d", jobID), err)
}

// evaluator is one strategy with the threshold and repository scope it runs
// under. rule is nil for the configured scan methods.
type evaluator struct {
	strategy  similarity.Strategy
	threshold float64
	rule      *rules.Rule
}

func (e evaluator) appliesTo(repositoryID *int64) bool {
	return e.rule == nil || e.rule.AppliesTo(repositoryID)
}

// evaluators returns the enabled detection rules as evaluators, or the
// configured methods at scan.threshold when no rule is enabled.
func (s *Scanner) evaluators(ctx context.Context) ([]evaluator, error) {
	if s.rules != nil {
		enabled, err := s.rules.Enabled(ctx)
		if err != nil {
			return nil, fmt.Errorf("load detection rules: %w", err)
		}
		if len(enabled) > 0 {
			return s.ruleEvaluators(enabled)
		}
	}
	out := make([]evaluator, 0, len(s.strategies))
	for _, strategy := range s.strategies {
		out = append(out, evaluator{strategy: strategy, threshold: s.cfg.Threshold})
	}
	return out, nil
}

func (s *Scanner) ruleEvaluators(enabled []rules.Rule) ([]evaluator, error) {
	out := make([]evaluator, 0, len(enabled))
	for i := range enabled {
		rule := enabled[i]
		algorithm := rule.Config.Algorithm
		if algorithm == "" {
			algorithm = s.cfg.TitleAlgorithm
		}
		registry, err := similarity.NewRegistry(similarity.Options{
			TitleAlgorithm: algorithm,
			Weights:        s.weights,
			MinTitleLength: rule.Config.MinLength,
		})
		if err != nil {
			return nil, dedupeerr.Wrap(dedupeerr.ErrValidation, "scanner", "configure", fmt.Sprintf("rule %d (%s)", rule.ID, rule.Name), err)
		}
		strategy, ok := registry.Strategy(rule.Method)
		if !ok {
			return nil, dedupeerr.Validation("scanner", fmt.Sprintf("rule %d uses unknown method %q", rule.ID, rule.Method))
		}
		out = append(out, evaluator{strategy: strategy, threshold: rule.Threshold, rule: &rule})
	}
	return out, nil
}

// pairRepository is the repository a detection of a and b is filed under.
func pairRepository(a, b *catalog.Record) *int64 {
	if a.RepositoryID != nil {
		return a.RepositoryID
	}
	return b.RepositoryID
}

// throttle waits for n catalog reads. Large requests are split into
// burst-sized waits.
func (s *Scanner) throttle(ctx context.Context, n int) error {
	if s.limiter == nil {
		return nil
	}
	burst := s.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := s.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// buildIndex reads up to limit active records of scope into a block index.
func (s *Scanner) buildIndex(ctx context.Context, scope catalog.Scope, limit int64) (*blockIndex, error) {
	index := newBlockIndex(s.cfg.BlockingKeys, s.cfg.TitlePrefixLength)
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size := s.cfg.ChunkSize
		if limit > 0 {
			remaining := limit - int64(index.size())
			if remaining <= 0 {
				break
			}
			size = int(min(int64(size), remaining))
		}
		records, err := s.records.ListRecords(ctx, scope, after, size)
		if err != nil {
			return nil, fmt.Errorf("index records after %d: %w", after, err)
		}
		if len(records) == 0 {
			break
		}
		if err := s.throttle(ctx, len(records)); err != nil {
			return nil, err
		}
		for i := range records {
			index.add(&records[i])
		}
		after = records[len(records)-1].ID
	}
	return index, nil
}

func (s *Scanner) pruneIndex(logger *slog.Logger, index *blockIndex) int {
	oversized := index.prune(s.cfg.MaxBlockSize)
	for key, size := range oversized {
		logging.WarnWithContext(logger, "skipping oversized block", "scan_block_skipped",
			logging.String("block", key),
			logging.Int64("size", int64(size)),
			logging.Int("max_block_size", s.cfg.MaxBlockSize),
			logging.String(logging.FieldErrorHint, "raise scan.max_block_size or use a more selective blocking key"),
			logging.String(logging.FieldImpact, "pairs sharing only this block are not compared"),
		)
	}
	return len(oversized)
}

// fetch loads active records by id in bounded batches.
func (s *Scanner) fetch(ctx context.Context, ids []int64, into map[int64]*catalog.Record) error {
	for start := 0; start < len(ids); start += fetchBatch {
		batch := ids[start:min(start+fetchBatch, len(ids))]
		if err := s.throttle(ctx, len(batch)); err != nil {
			return err
		}
		records, err := s.records.RecordsByID(ctx, batch)
		if err != nil {
			return fmt.Errorf("load block mates: %w", err)
		}
		for i := range records {
			if records[i].Active() {
				into[records[i].ID] = &records[i]
			}
		}
	}
	return nil
}

// compare scores one pair with strategy, converting failures and panics into
// a PairError.
func compare(strategy similarity.Strategy, a, b *catalog.Record) (signal similarity.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &dedupeerr.PairError{RecordAID: a.ID, RecordBID: b.ID, Method: string(strategy.Method()), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	signal, err = strategy.Compare(a, b)
	if err != nil {
		return signal, &dedupeerr.PairError{RecordAID: a.ID, RecordBID: b.ID, Method: string(strategy.Method()), Err: err}
	}
	return signal, nil
}

func detailsJSON(signal similarity.Signal, rule *rules.Rule) string {
	details := make(map[string]any, 3)
	if len(signal.Components) > 0 {
		details["components"] = signal.Components
	}
	if rule != nil {
		details["rule_id"] = rule.ID
		details["rule"] = rule.Name
	}
	if len(details) == 0 {
		return ""
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(payload)
}

// scanRun carries the state of one RunScan call.
type scanRun struct {
	*Scanner
	job        *scanjob.Job
	logger     *slog.Logger
	force      bool
	result     *Result
	evaluators []evaluator
}

func (r *scanRun) execute(ctx context.Context, progress ProgressFunc) error {
	scope := r.job.Scope()
	index, err := r.buildIndex(ctx, scope, r.job.Limit)
	if err != nil {
		return err
	}
	r.result.Skipped = r.pruneIndex(r.logger, index)
	r.logger.Debug("block index built",
		logging.Int64("records", int64(index.size())),
		logging.Int("blocks", len(index.blocks)),
	)

	processed := r.job.Processed
	cursor := r.job.LastCheckpointID
	for cursor < index.lastID {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := r.records.ListRecords(ctx, scope, cursor, r.cfg.ChunkSize)
		if err != nil {
			return fmt.Errorf("read chunk after %d: %w", cursor, err)
		}
		if len(chunk) == 0 {
			break
		}
		if err := r.throttle(ctx, len(chunk)); err != nil {
			return err
		}

		visited, found, err := r.scanChunk(ctx, index, chunk)
		if err != nil {
			return err
		}
		lastID := chunk[len(chunk)-1].ID
		processed += visited
		job, err := r.jobs.Checkpoint(ctx, r.job.ID, processed, lastID, found)
		if err != nil {
			return err
		}
		cursor = lastID
		processed = job.Processed
		r.result.Processed = processed
		r.result.DuplicatesFound += found
		r.logger.Debug("scan checkpoint",
			logging.Int64("processed", processed),
			logging.Int64("total", job.TotalRecords),
			logging.Int64("checkpoint_id", lastID),
		)
		if progress != nil {
			progress(processed, job.TotalRecords)
		}
	}
	return nil
}

type pairTask struct {
	a, b *catalog.Record
}

// scanChunk compares every indexed record of chunk with its later block
// mates. It returns how many records were visited and how many pairs were
// recorded as duplicates.
func (r *scanRun) scanChunk(ctx context.Context, index *blockIndex, chunk []catalog.Record) (int64, int64, error) {
	byID := make(map[int64]*catalog.Record, len(chunk))
	mates := make(map[int64][]int64, len(chunk))
	var (
		visited int64
		missing []int64
		wanted  = make(map[int64]struct{})
	)
	for i := range chunk {
		rec := &chunk[i]
		byID[rec.ID] = rec
		if !index.contains(rec.ID) {
			continue
		}
		visited++
		ids := index.mates(rec, rec.ID)
		mates[rec.ID] = ids
		for _, id := range ids {
			wanted[id] = struct{}{}
		}
	}
	for id := range wanted {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if err := r.fetch(ctx, missing, byID); err != nil {
		return 0, 0, err
	}

	var tasks []pairTask
	for i := range chunk {
		rec := &chunk[i]
		for _, id := range mates[rec.ID] {
			if mate, ok := byID[id]; ok {
				tasks = append(tasks, pairTask{a: rec, b: mate})
			}
		}
	}

	var found, pairErrors atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, r.cfg.Workers))
	for _, task := range tasks {
		g.Go(func() error {
			stored, failures, err := r.scorePair(gctx, task)
			pairErrors.Add(failures)
			if stored {
				found.Add(1)
			}
			return err
		})
	}
	err := g.Wait()
	r.result.PairErrors += pairErrors.Load()
	if err != nil {
		return 0, 0, err
	}
	return visited, found.Load(), nil
}

// scorePair runs every evaluator covering the pair's repository and upserts
// the signals that clear its threshold. Per method, only the first covering
// evaluator counts, so a higher-priority repository rule overrides a global
// one. It reports whether any detection was stored and how many strategies
// failed.
func (r *scanRun) scorePair(ctx context.Context, task pairTask) (bool, int64, error) {
	var (
		stored   bool
		failures int64
		decided  []detection.Method
	)
	jobID := r.job.ID
	pair := detection.NewPair(task.a.ID, task.b.ID)
	repositoryID := pairRepository(task.a, task.b)
	for _, ev := range r.evaluators {
		strategy := ev.strategy
		if !ev.appliesTo(repositoryID) || slices.Contains(decided, strategy.Method()) {
			continue
		}
		decided = append(decided, strategy.Method())
		signal, err := compare(strategy, task.a, task.b)
		if err != nil {
			failures++
			logging.WarnWithContext(r.logger, "pair comparison failed", "scan_pair_failed",
				logging.Pair(pair.A, pair.B),
				logging.String("method", string(strategy.Method())),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the records' data for malformed values"),
				logging.String(logging.FieldImpact, "pair skipped for this method"),
			)
			continue
		}
		if !signal.Applicable || signal.Score < ev.threshold {
			continue
		}
		outcome, err := r.detections.Upsert(ctx, detection.UpsertParams{
			Pair:         pair,
			Method:       signal.Method,
			Score:        signal.Score,
			RepositoryID: repositoryID,
			ScanJobID:    &jobID,
			DetailsJSON:  detailsJSON(signal, ev.rule),
			Force:        r.force,
		})
		if err != nil {
			return stored, failures, err
		}
		if outcome != detection.OutcomeUnchanged {
			stored = true
		}
	}
	return stored, failures, nil
}
