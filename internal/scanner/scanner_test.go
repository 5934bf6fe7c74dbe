package scanner_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"dedupe/internal/catalog"
	"dedupe/internal/config"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/logging"
	"dedupe/internal/rules"
	"dedupe/internal/scanjob"
	"dedupe/internal/scanner"
	"dedupe/internal/testsupport"
)

type harness struct {
	cfg        *config.Config
	catalog    *catalog.Store
	detections *detection.Store
	jobs       *scanjob.Tracker
	rules      *rules.Store
	scanner    *scanner.Scanner
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	db := testsupport.MustOpen(t, cfg)
	h := &harness{
		cfg:        cfg,
		catalog:    catalog.New(db),
		detections: detection.New(db),
		jobs:       scanjob.New(db),
		rules:      rules.New(db),
	}
	s, err := scanner.New(cfg, h.catalog, h.detections, h.jobs, logging.NewNop(), scanner.WithRules(h.rules))
	if err != nil {
		t.Fatalf("scanner.New: %v", err)
	}
	h.scanner = s
	return h
}

func (h *harness) seed(t *testing.T, specs ...testsupport.RecordSpec) {
	t.Helper()
	for _, spec := range specs {
		testsupport.MustRecord(t, h.catalog, spec)
	}
}

func (h *harness) rule(t *testing.T, rule rules.Rule) *rules.Rule {
	t.Helper()
	created, err := h.rules.Create(context.Background(), rule)
	if err != nil {
		t.Fatalf("create rule %q: %v", rule.Name, err)
	}
	return created
}

func (h *harness) scan(t *testing.T, scope catalog.Scope, limit int64, opts ...scanner.RunOption) (int64, scanner.Result) {
	t.Helper()
	ctx := context.Background()
	jobID, err := h.scanner.StartScan(ctx, scope, limit)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	result, err := h.scanner.RunScan(ctx, jobID, nil, opts...)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	return jobID, result
}

func TestCleanScopeFindsNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Repository: 2, Title: "Minutes of the board"},
		testsupport.RecordSpec{ID: 2, Repository: 2, Title: "Ledger of accounts"},
		testsupport.RecordSpec{ID: 3, Repository: 2, Title: "Correspondence files"},
		testsupport.RecordSpec{ID: 4, Repository: 9, Title: "Minutes of the board"},
	)

	var calls []string
	ctx := context.Background()
	jobID, err := h.scanner.StartScan(ctx, catalog.Repository(2), 0)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	result, err := h.scanner.RunScan(ctx, jobID, func(processed, total int64) {
		calls = append(calls, fmt.Sprintf("%d/%d", processed, total))
	})
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if result.DuplicatesFound != 0 || result.Processed != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	job, _ := h.jobs.Get(ctx, jobID)
	if job.Status != scanjob.StatusCompleted || job.Processed != job.TotalRecords || job.TotalRecords != 3 {
		t.Fatalf("unexpected job %+v", job)
	}
	if strings.Join(calls, ",") != "2/3,3/3" {
		t.Fatalf("unexpected progress calls %v", calls)
	}
	page, _ := h.detections.Query(ctx, detection.Filter{})
	if page.Total != 0 {
		t.Fatalf("expected no detections, got %d", page.Total)
	}
}

func TestRecordsSupersededBeforeRunAreNotCounted(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Title: "Minutes of the board"},
		testsupport.RecordSpec{ID: 2, Title: "Ledger of accounts"},
		testsupport.RecordSpec{ID: 3, Title: "Correspondence files"},
	)
	ctx := context.Background()
	jobID, err := h.scanner.StartScan(ctx, catalog.AllRecords, 0)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := h.catalog.MarkSuperseded(ctx, 3, 1, time.Now()); err != nil {
		t.Fatalf("MarkSuperseded: %v", err)
	}

	result, err := h.scanner.RunScan(ctx, jobID, nil)
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	job, _ := h.jobs.Get(ctx, jobID)
	if job.Status != scanjob.StatusCompleted || job.TotalRecords != 3 || job.Processed != 2 || result.Processed != 2 {
		t.Fatalf("superseded record reported as processed: job=%+v result=%+v", job, result)
	}
}

func TestRepeatedScansDoNotDuplicateRows(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Title: "Annual Report 1901", Identifier: "AR-1901"},
		testsupport.RecordSpec{ID: 2, Title: "Parish registers"},
		testsupport.RecordSpec{ID: 3, Title: "Annual report, 1901", Identifier: "ar 1901"},
	)
	ctx := context.Background()

	_, first := h.scan(t, catalog.AllRecords, 0)
	if first.DuplicatesFound != 1 {
		t.Fatalf("expected one duplicate, got %+v", first)
	}
	h.scan(t, catalog.AllRecords, 0)

	page, err := h.detections.Query(ctx, detection.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected a single detection row, got %d", page.Total)
	}
	d := page.Items[0]
	if d.RecordAID != 1 || d.RecordBID != 3 || d.Method != detection.MethodComposite || d.Score != 1 {
		t.Fatalf("unexpected detection %+v", d)
	}
	if d.Score < 0 || d.Score > 1 || !strings.Contains(d.DetailsJSON, "identifier") {
		t.Fatalf("unexpected score or details %+v", d)
	}

	if _, err := h.detections.Dismiss(ctx, d.ID, detection.TransitionOptions{Actor: "archivist"}); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	_, third := h.scan(t, catalog.AllRecords, 0)
	if third.DuplicatesFound != 0 {
		t.Fatalf("dismissed pair should not count again, got %+v", third)
	}
	after, _ := h.detections.Get(ctx, d.ID)
	if after.Status != detection.StatusDismissed {
		t.Fatalf("rescan resurrected a dismissed detection: %+v", after)
	}

	h.scan(t, catalog.AllRecords, 0, scanner.WithForce(true))
	forced, _ := h.detections.Get(ctx, d.ID)
	if forced.Status != detection.StatusPending {
		t.Fatalf("forced rescan should reopen the pair, got %s", forced.Status)
	}
}

func TestCancelledScanResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Title: "Annual report 1901"},
		testsupport.RecordSpec{ID: 2, Title: "Minutes"},
		testsupport.RecordSpec{ID: 3, Title: "Ledger"},
		testsupport.RecordSpec{ID: 4, Title: "Annual report 1902"},
		testsupport.RecordSpec{ID: 5, Title: "Photographs"},
		testsupport.RecordSpec{ID: 6, Title: "Maps and plans"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobID, err := h.scanner.StartScan(ctx, catalog.AllRecords, 0)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	_, err = h.scanner.RunScan(ctx, jobID, func(processed, total int64) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	job, _ := h.jobs.Get(context.Background(), jobID)
	if job.Status != scanjob.StatusFailed || job.ErrorMessage != "cancelled" || job.LastCheckpointID != 2 || job.Processed != 2 {
		t.Fatalf("unexpected cancelled job %+v", job)
	}

	result, err := h.scanner.RunScan(context.Background(), jobID, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, _ = h.jobs.Get(context.Background(), jobID)
	if job.Status != scanjob.StatusCompleted || job.Processed != 6 || result.Processed != 6 {
		t.Fatalf("unexpected resumed job %+v result %+v", job, result)
	}
	if job.DuplicatesFound != 1 {
		t.Fatalf("expected the pair found before cancellation to be kept, got %d", job.DuplicatesFound)
	}

	if _, err := h.scanner.RunScan(context.Background(), jobID, nil); !errors.Is(err, dedupeerr.ErrConflict) {
		t.Fatalf("completed job should not rerun, got %v", err)
	}
}

func TestPairErrorsAreSkipped(t *testing.T) {
	h := newHarness(t, testsupport.WithScan(func(s *config.Scan) {
		s.Methods = []string{"attachment-hash", "fuzzy-title"}
	}))
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Title: "Survey map", Attachments: []string{"zz-not-hex"}},
		testsupport.RecordSpec{ID: 2, Title: "Survey map", Attachments: []string{"abcd"}},
	)
	_, result := h.scan(t, catalog.AllRecords, 0)
	if result.PairErrors != 1 {
		t.Fatalf("expected one pair error, got %+v", result)
	}
	found, err := h.detections.FindByPair(context.Background(), 1, 2, detection.MethodFuzzyTitle)
	if err != nil || found == nil {
		t.Fatalf("title detection should still be recorded: %v", err)
	}
}

func TestScanLimitAndOversizedBlocks(t *testing.T) {
	h := newHarness(t, testsupport.WithScan(func(s *config.Scan) {
		s.MaxBlockSize = 2
		s.BlockingKeys = []string{"title-prefix"}
	}))
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Title: "Letters home"},
		testsupport.RecordSpec{ID: 2, Title: "Letters home"},
		testsupport.RecordSpec{ID: 3, Title: "Letters home"},
		testsupport.RecordSpec{ID: 4, Title: "Diary"},
	)

	jobID, result := h.scan(t, catalog.AllRecords, 0)
	if result.Skipped != 1 || result.DuplicatesFound != 0 {
		t.Fatalf("oversized block should be skipped: %+v", result)
	}

	jobID, result = h.scan(t, catalog.AllRecords, 2)
	job, _ := h.jobs.Get(context.Background(), jobID)
	if job.TotalRecords != 2 || job.Processed != 2 || job.Limit != 2 {
		t.Fatalf("unexpected limited job %+v", job)
	}
	if result.DuplicatesFound != 1 {
		t.Fatalf("limited scan keeps the block under the cap, got %+v", result)
	}
}

func TestRunScanRespectsProcessLock(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testsupport.RecordSpec{ID: 1, Title: "Ledger"})
	ctx := context.Background()
	jobID, err := h.scanner.StartScan(ctx, catalog.AllRecords, 0)
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	lock := flock.New(filepath.Join(h.cfg.LockDir(), fmt.Sprintf("scan-%d.lock", jobID)))
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	defer func() { _ = lock.Unlock() }()

	if _, err := h.scanner.RunScan(ctx, jobID, nil); !errors.Is(err, dedupeerr.ErrConflict) {
		t.Fatalf("expected conflict while another runner holds the lock, got %v", err)
	}
	job, _ := h.jobs.Get(ctx, jobID)
	if job.Status != scanjob.StatusPending {
		t.Fatalf("locked-out run must not touch the job, got %s", job.Status)
	}
}

func TestCheckScoresProspectiveRecord(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Repository: 3, Title: "Harbour commission minutes", Identifier: "HC-1"},
		testsupport.RecordSpec{ID: 2, Repository: 3, Title: "Tram timetables"},
	)
	matches, err := h.scanner.Check(context.Background(), catalog.Record{Title: "Harbour Commission Minutes"}, catalog.Repository(3))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.ID != 1 || matches[0].Score != 1 {
		t.Fatalf("unexpected matches %+v", matches)
	}
	if _, err := h.scanner.Check(context.Background(), catalog.Record{}, catalog.AllRecords); !errors.Is(err, dedupeerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	page, _ := h.detections.Query(context.Background(), detection.Filter{})
	if page.Total != 0 {
		t.Fatal("check must not write detections")
	}
}

func TestDisabledRulesFallBackToConfiguredMethods(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Title: "Annual Report 1901", Identifier: "AR-1901"},
		testsupport.RecordSpec{ID: 2, Title: "Annual report, 1901", Identifier: "ar 1901"},
	)
	h.rule(t, rules.Rule{Name: "off", Method: detection.MethodFuzzyTitle, Threshold: 0.5, Priority: 100})

	h.scan(t, catalog.AllRecords, 0)
	page, _ := h.detections.Query(context.Background(), detection.Filter{})
	if page.Total != 1 || page.Items[0].Method != detection.MethodComposite {
		t.Fatalf("expected the configured composite method, got %+v", page.Items)
	}
}

func TestRulesReplaceConfiguredMethodsPerRepository(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Repository: 3, Title: "Harbour minutes 1901", Identifier: "MS-1234"},
		testsupport.RecordSpec{ID: 2, Repository: 3, Title: "Harbour minutes 1902", Identifier: "MS-1243"},
		testsupport.RecordSpec{ID: 4, Repository: 9, Title: "Parish register", Identifier: "PR-1"},
		testsupport.RecordSpec{ID: 5, Repository: 9, Title: "Parish register", Identifier: "PR-77"},
	)
	repo := int64(3)
	identifiers := h.rule(t, rules.Rule{RepositoryID: &repo, Name: "repo 3 identifiers", Method: detection.MethodFuzzyIdentifier, Threshold: 0.9, Enabled: true, Priority: 200})
	h.rule(t, rules.Rule{Name: "near-identical titles", Method: detection.MethodFuzzyTitle, Threshold: 0.99, Enabled: true, Priority: 100})

	_, result := h.scan(t, catalog.AllRecords, 0)
	if result.DuplicatesFound != 2 {
		t.Fatalf("expected two pairs, got %+v", result)
	}
	ctx := context.Background()
	page, err := h.detections.Query(ctx, detection.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected two detections, got %+v", page.Items)
	}
	byPair := make(map[detection.Pair]detection.Detection, len(page.Items))
	for _, d := range page.Items {
		byPair[d.Pair()] = d
	}
	harbour, ok := byPair[detection.Pair{A: 1, B: 2}]
	if !ok || harbour.Method != detection.MethodFuzzyIdentifier {
		t.Fatalf("expected a fuzzy-identifier detection for 1/2, got %+v", byPair)
	}
	if !strings.Contains(harbour.DetailsJSON, fmt.Sprintf(`"rule_id":%d`, identifiers.ID)) {
		t.Fatalf("details should name the rule, got %s", harbour.DetailsJSON)
	}
	parish, ok := byPair[detection.Pair{A: 4, B: 5}]
	if !ok || parish.Method != detection.MethodFuzzyTitle || parish.Score != 1 {
		t.Fatalf("expected a fuzzy-title detection for 4/5, got %+v", byPair)
	}
}

func TestRepositoryRuleOverridesGlobalRuleOfSameMethod(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Repository: 3, Title: "Harbour minutes 1901"},
		testsupport.RecordSpec{ID: 2, Repository: 3, Title: "Harbour minutes 1902"},
		testsupport.RecordSpec{ID: 6, Repository: 9, Title: "Parish register 1801"},
		testsupport.RecordSpec{ID: 7, Repository: 9, Title: "Parish register 1802"},
	)
	repo := int64(3)
	h.rule(t, rules.Rule{RepositoryID: &repo, Name: "strict", Method: detection.MethodFuzzyTitle, Threshold: 0.99, Enabled: true, Priority: 200})
	h.rule(t, rules.Rule{Name: "loose", Method: detection.MethodFuzzyTitle, Threshold: 0.5, Enabled: true, Priority: 100})

	h.scan(t, catalog.AllRecords, 0)
	page, _ := h.detections.Query(context.Background(), detection.Filter{})
	if page.Total != 1 || page.Items[0].Pair() != (detection.Pair{A: 6, B: 7}) {
		t.Fatalf("only the repository 9 pair should clear its rule, got %+v", page.Items)
	}
}

func TestCheckReportsBlockingRule(t *testing.T) {
	h := newHarness(t)
	h.seed(t,
		testsupport.RecordSpec{ID: 1, Repository: 3, Title: "Harbour commission minutes", Identifier: "HC-1"},
	)
	rule := h.rule(t, rules.Rule{Name: "same reference code", Method: detection.MethodExactIdentifier, Threshold: 1, Enabled: true, Blocking: true, Priority: 100})
	h.rule(t, rules.Rule{Name: "similar titles", Method: detection.MethodFuzzyTitle, Threshold: 0.9, Enabled: true, Priority: 50})

	matches, err := h.scanner.Check(context.Background(), catalog.Record{Title: "Harbour commission minutes", Identifier: "hc 1"}, catalog.Repository(3))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected identifier and title matches, got %+v", matches)
	}
	var blocking, advisory int
	for _, m := range matches {
		switch m.Method {
		case detection.MethodExactIdentifier:
			if !m.Blocking || m.RuleID != rule.ID || m.RuleName != "same reference code" {
				t.Fatalf("identifier match should be blocking: %+v", m)
			}
			blocking++
		case detection.MethodFuzzyTitle:
			if m.Blocking {
				t.Fatalf("title rule is not blocking: %+v", m)
			}
			advisory++
		}
	}
	if blocking != 1 || advisory != 1 {
		t.Fatalf("unexpected matches %+v", matches)
	}
}
