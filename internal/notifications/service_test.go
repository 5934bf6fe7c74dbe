package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dedupe/internal/config"
	"dedupe/internal/notifications"
)

type captured struct {
	title    string
	body     string
	tags     string
	priority string
}

type capture struct {
	mu       sync.Mutex
	requests []captured
}

func (c *capture) all() []captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]captured(nil), c.requests...)
}

func newCapture(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	got := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.mu.Lock()
		defer got.mu.Unlock()
		got.requests = append(got.requests, captured{
			title:    r.Header.Get("Title"),
			body:     string(body),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newService(topic string) notifications.Service {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = topic
	return notifications.NewService(&cfg)
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	svc := newService("")
	if err := svc.NotifyScanCompleted(context.Background(), notifications.ScanSummary{JobID: 1}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	srv, rec := newCapture(t, http.StatusOK)
	svc := newService(srv.URL)
	ctx := context.Background()

	if err := svc.NotifyScanCompleted(ctx, notifications.ScanSummary{
		JobID: 7, Scope: "repository:2", Processed: 120, DuplicatesFound: 3, PairErrors: 1, Duration: 1500 * time.Millisecond,
	}); err != nil {
		t.Fatalf("NotifyScanCompleted: %v", err)
	}
	if err := svc.NotifyScanFailed(ctx, 8, errors.New("database is locked")); err != nil {
		t.Fatalf("NotifyScanFailed: %v", err)
	}
	if err := svc.NotifyMergeCommitted(ctx, notifications.MergeSummary{
		DetectionID: 42, PrimaryID: 100, SecondaryID: 200, Reference: "ref-1", PerformedBy: "archivist",
	}); err != nil {
		t.Fatalf("NotifyMergeCommitted: %v", err)
	}

	got := rec.all()
	if len(got) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(got))
	}
	scan := got[0]
	if scan.title != "dedupe - Scan Complete" || scan.priority != "high" || scan.tags != "dedupe,scan,completed,warning" {
		t.Fatalf("unexpected scan notification %+v", scan)
	}
	if !strings.Contains(scan.body, "Scan job 7 (repository:2) complete: 120 records, 3 duplicate pairs in 2s") {
		t.Fatalf("unexpected scan body %q", scan.body)
	}
	failed := got[1]
	if !strings.Contains(failed.body, "dedupe scan --resume 8") || failed.priority != "high" {
		t.Fatalf("unexpected failure notification %+v", failed)
	}
	merged := got[2]
	if merged.body != "Record 200 merged into record 100 by archivist (detection 42, ref ref-1)" || merged.priority != "" {
		t.Fatalf("unexpected merge notification %+v", merged)
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	srv, _ := newCapture(t, http.StatusForbidden)
	err := newService(srv.URL).TestNotification(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}
