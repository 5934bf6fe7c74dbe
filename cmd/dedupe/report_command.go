package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/fileutil"
	"dedupe/internal/service"
)

const (
	formatTable = "table"
	formatCSV   = "csv"
	formatJSON  = "json"
)

var reportHeaders = []string{"ID", "Record A", "Title A", "Record B", "Title B", "Score", "Method", "Status", "Detected"}

type reportRow struct {
	ID          int64   `json:"id"`
	RecordAID   int64   `json:"record_a_id"`
	TitleA      string  `json:"record_a_title"`
	RecordBID   int64   `json:"record_b_id"`
	TitleB      string  `json:"record_b_title"`
	Score       float64 `json:"similarity_score"`
	Method      string  `json:"detection_method"`
	Status      string  `json:"status"`
	DetectedAt  string  `json:"detected_at"`
	ReviewedBy  string  `json:"reviewed_by,omitempty"`
	ReviewNotes string  `json:"review_notes,omitempty"`
}

type reportJSON struct {
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
	Items  []reportRow `json:"items"`
}

func newReportCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses     []string
		methods      []string
		minScore     float64
		repositoryID int64
		recordID     int64
		format       string
		outputPath   string
		limit        int
		offset       int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "List detections for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := detection.Filter{MinScore: minScore, RecordID: recordID, Limit: limit, Offset: offset}
			for _, raw := range statuses {
				status, ok := detection.ParseStatus(raw)
				if !ok {
					return dedupeerr.Validation("cli", fmt.Sprintf("unknown status %q", raw))
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			for _, raw := range methods {
				method, ok := detection.ParseMethod(raw)
				if !ok {
					return dedupeerr.Validation("cli", fmt.Sprintf("unknown method %q", raw))
				}
				filter.Methods = append(filter.Methods, method)
			}
			if repositoryID != 0 {
				filter.RepositoryID = &repositoryID
			}
			format = strings.ToLower(strings.TrimSpace(format))
			switch format {
			case formatTable, formatCSV, formatJSON:
			default:
				return dedupeerr.Validation("cli", fmt.Sprintf("unsupported format %q (table, csv, json)", format))
			}

			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				page, err := svc.QueryDetections(runCtx, filter)
				if err != nil {
					return err
				}
				rows, err := buildReportRows(runCtx, svc, page.Items)
				if err != nil {
					return err
				}

				if strings.TrimSpace(outputPath) == "" {
					return writeReport(cmd.OutOrStdout(), format, page, rows)
				}
				err = fileutil.WriteAtomic(outputPath, 0o644, func(w io.Writer) error {
					return writeReport(w, format, page, rows)
				})
				if err != nil {
					return fmt.Errorf("write report: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d of %d detections to %s\n", len(rows), page.Total, outputPath)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable: pending, confirmed, dismissed, merging, merged)")
	cmd.Flags().StringSliceVar(&methods, "method", nil, "Filter by detection method (repeatable)")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Only include detections scoring at least this value")
	cmd.Flags().Int64Var(&repositoryID, "repository", 0, "Only include detections from one repository")
	cmd.Flags().Int64Var(&recordID, "record", 0, "Only include detections involving this record")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format: table, csv, or json")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the report to a file instead of stdout")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum detections to include (0 = all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many detections")
	return cmd
}

func buildReportRows(ctx context.Context, svc *service.Service, items []detection.Detection) ([]reportRow, error) {
	titles := make(map[int64]string)
	title := func(id int64) (string, error) {
		if t, ok := titles[id]; ok {
			return t, nil
		}
		rec, err := svc.Record(ctx, id)
		if err != nil {
			return "", err
		}
		titles[id] = rec.Title
		return rec.Title, nil
	}

	rows := make([]reportRow, 0, len(items))
	for _, d := range items {
		titleA, err := title(d.RecordAID)
		if err != nil {
			return nil, err
		}
		titleB, err := title(d.RecordBID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, reportRow{
			ID:          d.ID,
			RecordAID:   d.RecordAID,
			TitleA:      titleA,
			RecordBID:   d.RecordBID,
			TitleB:      titleB,
			Score:       d.Score,
			Method:      string(d.Method),
			Status:      string(d.Status),
			DetectedAt:  formatTime(d.DetectedAt),
			ReviewedBy:  d.ReviewedBy,
			ReviewNotes: d.ReviewNotes,
		})
	}
	return rows, nil
}

func writeReport(w io.Writer, format string, page detection.Page, rows []reportRow) error {
	if format == formatJSON {
		items := rows
		if items == nil {
			items = []reportRow{}
		}
		return encodeJSON(w, reportJSON{Total: page.Total, Limit: page.Limit, Offset: page.Offset, Items: items})
	}

	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{
			strconv.FormatInt(r.ID, 10),
			strconv.FormatInt(r.RecordAID, 10),
			r.TitleA,
			strconv.FormatInt(r.RecordBID, 10),
			r.TitleB,
			formatScore(r.Score),
			r.Method,
			r.Status,
			r.DetectedAt,
		})
	}
	if format == formatCSV {
		_, err := io.WriteString(w, renderCSV(reportHeaders, cells))
		return err
	}
	if len(cells) == 0 {
		_, err := io.WriteString(w, "No detections found\n")
		return err
	}
	_, err := io.WriteString(w, renderTable(reportHeaders, cells,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignLeft}))
	if err != nil {
		return err
	}
	if len(rows) < page.Total {
		_, err = fmt.Fprintf(w, "Showing %d of %d detections\n", len(rows), page.Total)
	}
	return err
}
