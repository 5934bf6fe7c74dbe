package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"dedupe/internal/catalog"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/merge"
	"dedupe/internal/service"
)

func newDetectionCommand(ctx *commandContext) *cobra.Command {
	detectionCmd := &cobra.Command{
		Use:     "detection",
		Aliases: []string{"detections"},
		Short:   "Inspect and review individual detections",
	}

	detectionCmd.AddCommand(newDetectionShowCommand(ctx))
	detectionCmd.AddCommand(newDetectionCompareCommand(ctx))
	detectionCmd.AddCommand(newDetectionReviewCommand(ctx, "confirm", "Mark a pending detection as a true duplicate",
		func(runCtx context.Context, svc *service.Service, id int64, user, notes string) (*detection.Detection, error) {
			return svc.Confirm(runCtx, id, user, notes)
		}))
	detectionCmd.AddCommand(newDetectionReviewCommand(ctx, "dismiss", "Mark a detection as a false positive",
		func(runCtx context.Context, svc *service.Service, id int64, user, notes string) (*detection.Detection, error) {
			return svc.Dismiss(runCtx, id, user, notes)
		}))
	detectionCmd.AddCommand(newDetectionReviewCommand(ctx, "reopen", "Return a dismissed detection to pending (review.allow_reopen)",
		func(runCtx context.Context, svc *service.Service, id int64, user, _ string) (*detection.Detection, error) {
			return svc.Reopen(runCtx, id, user)
		}))

	return detectionCmd
}

type reviewFunc func(ctx context.Context, svc *service.Service, id int64, user, notes string) (*detection.Detection, error)

func newDetectionReviewCommand(ctx *commandContext, name, short string, fn reviewFunc) *cobra.Command {
	var user, notes string

	cmd := &cobra.Command{
		Use:   name + " <detectionId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("detection", args[0])
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				d, err := fn(runCtx, svc, id, user, notes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Detection %d is now %s (reviewed by %s)\n", d.ID, d.Status, orDash(d.ReviewedBy))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Reviewer name (defaults to merge.default_actor)")
	if name != "reopen" {
		cmd.Flags().StringVar(&notes, "notes", "", "Review notes")
	}
	return cmd
}

type detectionJSON struct {
	ID           int64              `json:"id"`
	RecordAID    int64              `json:"record_a_id"`
	RecordBID    int64              `json:"record_b_id"`
	Score        float64            `json:"similarity_score"`
	Method       string             `json:"detection_method"`
	Status       string             `json:"status"`
	RepositoryID *int64             `json:"repository_id,omitempty"`
	ScanJobID    *int64             `json:"scan_job_id,omitempty"`
	Details      map[string]float64 `json:"details,omitempty"`
	DetectedAt   string             `json:"detected_at"`
	ReviewedAt   string             `json:"reviewed_at,omitempty"`
	ReviewedBy   string             `json:"reviewed_by,omitempty"`
	ReviewNotes  string             `json:"review_notes,omitempty"`
	MergeLog     *mergeLogJSON      `json:"merge_log,omitempty"`
}

type mergeLogJSON struct {
	ID                  int64             `json:"id"`
	Reference           string            `json:"reference"`
	PrimaryID           int64             `json:"primary_id"`
	SecondaryID         int64             `json:"secondary_id"`
	DigitalObjectsMoved int               `json:"digital_objects_moved"`
	ChildrenMoved       int               `json:"children_moved"`
	SlugsRedirected     int               `json:"slugs_redirected"`
	SnapshotEncoding    string            `json:"snapshot_encoding"`
	PerformedBy         string            `json:"performed_by"`
	PerformedAt         string            `json:"performed_at"`
	Notes               string            `json:"notes,omitempty"`
	FieldChoices        map[string]string `json:"field_choices,omitempty"`
}

func newDetectionShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <detectionId>",
		Short: "Show a detection with both records and its merge log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("detection", args[0])
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				d, err := svc.Detection(runCtx, id)
				if err != nil {
					return err
				}
				var entry *merge.Log
				if d.Status == detection.StatusMerged {
					entry, err = svc.MergeLog(runCtx, id)
					if err != nil && !errors.Is(err, dedupeerr.ErrNotFound) {
						return err
					}
				}
				if jsonOutput {
					return writeJSON(cmd, detectionView(*d, entry))
				}
				a, err := svc.Record(runCtx, d.RecordAID)
				if err != nil {
					return err
				}
				b, err := svc.Record(runCtx, d.RecordBID)
				if err != nil {
					return err
				}
				printDetection(cmd, *d, a, b, entry)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func detectionView(d detection.Detection, entry *merge.Log) detectionJSON {
	view := detectionJSON{
		ID:           d.ID,
		RecordAID:    d.RecordAID,
		RecordBID:    d.RecordBID,
		Score:        d.Score,
		Method:       string(d.Method),
		Status:       string(d.Status),
		RepositoryID: d.RepositoryID,
		ScanJobID:    d.ScanJobID,
		Details:      detailComponents(d.DetailsJSON),
		DetectedAt:   formatTime(d.DetectedAt),
		ReviewedBy:   d.ReviewedBy,
		ReviewNotes:  d.ReviewNotes,
	}
	if d.ReviewedAt != nil {
		view.ReviewedAt = formatTime(*d.ReviewedAt)
	}
	if entry != nil {
		view.MergeLog = &mergeLogJSON{
			ID:                  entry.ID,
			Reference:           entry.Reference,
			PrimaryID:           entry.PrimaryID,
			SecondaryID:         entry.SecondaryID,
			DigitalObjectsMoved: entry.DigitalObjectsMoved,
			ChildrenMoved:       entry.ChildrenMoved,
			SlugsRedirected:     entry.SlugsRedirected,
			SnapshotEncoding:    entry.SnapshotEncoding,
			PerformedBy:         entry.PerformedBy,
			PerformedAt:         formatTime(entry.PerformedAt),
			Notes:               entry.Notes,
			FieldChoices:        entry.FieldChoices,
		}
	}
	return view
}

func printDetection(cmd *cobra.Command, d detection.Detection, a, b *catalog.Record, entry *merge.Log) {
	out := cmd.OutOrStdout()
	pairs := [][2]string{
		{"Detection", strconv.FormatInt(d.ID, 10)},
		{"Status", string(d.Status)},
		{"Method", string(d.Method)},
		{"Score", formatScore(d.Score)},
		{"Record A", describeRecord(a)},
		{"Record B", describeRecord(b)},
		{"Repository", formatOptionalID(d.RepositoryID)},
		{"Scan job", formatOptionalID(d.ScanJobID)},
		{"Detected", formatTime(d.DetectedAt)},
		{"Reviewed", formatTimePtr(d.ReviewedAt)},
		{"Reviewed by", orDash(d.ReviewedBy)},
		{"Notes", orDash(d.ReviewNotes)},
	}
	components := detailComponents(d.DetailsJSON)
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pairs = append(pairs, [2]string{"Signal " + name, formatScore(components[name])})
	}
	if entry != nil {
		pairs = append(pairs,
			[2]string{"Merge log", fmt.Sprintf("%d (%s)", entry.ID, entry.Reference)},
			[2]string{"Merged by", entry.PerformedBy},
			[2]string{"Merged at", formatTime(entry.PerformedAt)},
			[2]string{"Merge notes", orDash(entry.Notes)},
		)
	}
	fmt.Fprint(out, renderKeyValues(pairs))
}

func describeRecord(rec *catalog.Record) string {
	label := fmt.Sprintf("%d %q", rec.ID, rec.Title)
	if rec.Identifier != "" {
		label += " [" + rec.Identifier + "]"
	}
	if !rec.Active() {
		label += fmt.Sprintf(" (superseded by %s)", formatOptionalID(rec.SupersededBy))
	}
	return label
}

// detailComponents extracts the per-signal scores stored with a detection.
func detailComponents(raw string) map[string]float64 {
	if raw == "" {
		return nil
	}
	var payload struct {
		Components map[string]float64 `json:"components"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Components
}

type comparisonJSON struct {
	DetectionID int64                 `json:"detection_id"`
	RecordAID   int64                 `json:"record_a_id"`
	RecordBID   int64                 `json:"record_b_id"`
	Fields      []fieldComparisonJSON `json:"fields"`
}

type fieldComparisonJSON struct {
	Field string `json:"field"`
	A     string `json:"value_a"`
	B     string `json:"value_b"`
	Match bool   `json:"match"`
}

func newDetectionCompareCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "compare <detectionId>",
		Short: "Compare the two records of a detection field by field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("detection", args[0])
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				cmp, err := svc.Compare(runCtx, id)
				if err != nil {
					return err
				}
				if jsonOutput {
					view := comparisonJSON{
						DetectionID: cmp.Detection.ID,
						RecordAID:   cmp.A.ID,
						RecordBID:   cmp.B.ID,
						Fields:      make([]fieldComparisonJSON, 0, len(cmp.Fields)),
					}
					for _, f := range cmp.Fields {
						view.Fields = append(view.Fields, fieldComparisonJSON{Field: f.Field, A: f.A, B: f.B, Match: f.Match})
					}
					return writeJSON(cmd, view)
				}
				rows := make([][]string, 0, len(cmp.Fields))
				for _, f := range cmp.Fields {
					rows = append(rows, []string{f.Field, orDash(f.A), orDash(f.B), yesNo(f.Match)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Detection %d (%s, score %s)\n", cmp.Detection.ID, cmp.Detection.Method, formatScore(cmp.Detection.Score))
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Field", fmt.Sprintf("Record A (%d)", cmp.A.ID), fmt.Sprintf("Record B (%d)", cmp.B.ID), "Match"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
