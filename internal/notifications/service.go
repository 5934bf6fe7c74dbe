package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dedupe/internal/config"
)

const userAgent = "dedupe/0.1.0"

// ScanSummary describes a finished scan job.
type ScanSummary struct {
	JobID           int64
	Scope           string
	Processed       int64
	DuplicatesFound int64
	PairErrors      int64
	Duration        time.Duration
}

// MergeSummary describes a committed merge.
type MergeSummary struct {
	DetectionID int64
	PrimaryID   int64
	SecondaryID int64
	Reference   string
	PerformedBy string
}

// Service defines the notification surface used by the service facade.
type Service interface {
	NotifyScanCompleted(ctx context.Context, summary ScanSummary) error
	NotifyScanFailed(ctx context.Context, jobID int64, err error) error
	NotifyMergeCommitted(ctx context.Context, summary MergeSummary) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := cfg.NotificationTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyScanCompleted(ctx context.Context, s ScanSummary) error {
	duration := s.Duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	message := fmt.Sprintf("Scan job %d (%s) complete: %d records, %d duplicate pairs in %s",
		s.JobID, s.Scope, s.Processed, s.DuplicatesFound, duration)
	tags := []string{"dedupe", "scan", "completed"}
	if s.PairErrors > 0 {
		message += fmt.Sprintf("\n%d comparisons failed; see the log", s.PairErrors)
		tags = append(tags, "warning")
	}
	priority := ""
	if s.DuplicatesFound > 0 {
		priority = "high"
	}
	return n.send(ctx, payload{
		title:    "dedupe - Scan Complete",
		message:  message,
		tags:     tags,
		priority: priority,
	})
}

func (n *ntfyService) NotifyScanFailed(ctx context.Context, jobID int64, err error) error {
	reason := "unknown"
	if err != nil {
		reason = strings.TrimSpace(err.Error())
	}
	return n.send(ctx, payload{
		title:    "dedupe - Scan Failed",
		message:  fmt.Sprintf("Scan job %d failed: %s\nResume it with: dedupe scan --resume %d", jobID, reason, jobID),
		tags:     []string{"dedupe", "scan", "error"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyMergeCommitted(ctx context.Context, m MergeSummary) error {
	return n.send(ctx, payload{
		title: "dedupe - Records Merged",
		message: fmt.Sprintf("Record %d merged into record %d by %s (detection %d, ref %s)",
			m.SecondaryID, m.PrimaryID, m.PerformedBy, m.DetectionID, m.Reference),
		tags: []string{"dedupe", "merge", "completed"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "dedupe - Test",
		message:  "Notification system test",
		tags:     []string{"dedupe", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyScanCompleted(context.Context, ScanSummary) error   { return nil }
func (noopService) NotifyScanFailed(context.Context, int64, error) error     { return nil }
func (noopService) NotifyMergeCommitted(context.Context, MergeSummary) error { return nil }
func (noopService) TestNotification(context.Context) error                   { return nil }
