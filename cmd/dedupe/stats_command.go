package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dedupe/internal/detection"
	"dedupe/internal/scanjob"
	"dedupe/internal/service"
)

type statsJSON struct {
	Records          int64           `json:"active_records"`
	Detections       int             `json:"detections"`
	ByStatus         map[string]int  `json:"by_status"`
	PendingByMethod  map[string]int  `json:"pending_by_method"`
	AverageScore     float64         `json:"average_pending_score"`
	RecentMerges     int             `json:"recent_merges"`
	RecentMergeSince string          `json:"recent_merge_since"`
	Jobs             map[string]int  `json:"jobs"`
	TopRecords       []topRecordJSON `json:"top_records"`
}

type topRecordJSON struct {
	RecordID int64 `json:"record_id"`
	Count    int   `json:"pending_detections"`
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var top int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize detections, merges, and scan jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				stats, err := svc.Stats(runCtx, top)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, statsView(stats))
				}
				printStats(cmd, stats)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "Number of most-flagged records to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func statsView(stats service.Stats) statsJSON {
	view := statsJSON{
		Records:          stats.Records,
		Detections:       stats.Detections.Total,
		ByStatus:         make(map[string]int),
		PendingByMethod:  make(map[string]int),
		AverageScore:     stats.Detections.AverageScore,
		RecentMerges:     stats.Detections.RecentMerges,
		RecentMergeSince: formatTime(stats.Detections.RecentMergeSince),
		Jobs:             make(map[string]int),
		TopRecords:       []topRecordJSON{},
	}
	for status, n := range stats.Detections.ByStatus {
		view.ByStatus[string(status)] = n
	}
	for method, n := range stats.Detections.PendingByMethod {
		view.PendingByMethod[string(method)] = n
	}
	for status, n := range stats.Jobs {
		view.Jobs[string(status)] = n
	}
	for _, rf := range stats.TopRecords {
		view.TopRecords = append(view.TopRecords, topRecordJSON{RecordID: rf.RecordID, Count: rf.Count})
	}
	return view
}

func printStats(cmd *cobra.Command, stats service.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Active records: %d\n", stats.Records)
	fmt.Fprintf(out, "Detections:     %d\n", stats.Detections.Total)
	fmt.Fprintf(out, "Merges since %s: %d\n", formatTime(stats.Detections.RecentMergeSince), stats.Detections.RecentMerges)
	fmt.Fprintf(out, "Average pending score: %s\n\n", formatScore(stats.Detections.AverageScore))

	rows := make([][]string, 0, len(detection.AllStatuses()))
	for _, status := range detection.AllStatuses() {
		rows = append(rows, []string{string(status), strconv.Itoa(stats.Detections.ByStatus[status])})
	}
	fmt.Fprint(out, renderTable([]string{"Status", "Detections"}, rows, []columnAlignment{alignLeft, alignRight}))

	rows = rows[:0]
	for _, method := range detection.AllMethods() {
		if n := stats.Detections.PendingByMethod[method]; n > 0 {
			rows = append(rows, []string{string(method), strconv.Itoa(n)})
		}
	}
	if len(rows) > 0 {
		fmt.Fprint(out, renderTable([]string{"Method", "Pending"}, rows, []columnAlignment{alignLeft, alignRight}))
	}

	rows = rows[:0]
	for _, status := range []scanjob.Status{scanjob.StatusPending, scanjob.StatusRunning, scanjob.StatusCompleted, scanjob.StatusFailed} {
		if n := stats.Jobs[status]; n > 0 {
			rows = append(rows, []string{string(status), strconv.Itoa(n)})
		}
	}
	if len(rows) > 0 {
		fmt.Fprint(out, renderTable([]string{"Scan jobs", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	}

	if len(stats.TopRecords) > 0 {
		rows = rows[:0]
		for _, rf := range stats.TopRecords {
			rows = append(rows, []string{strconv.FormatInt(rf.RecordID, 10), strconv.Itoa(rf.Count)})
		}
		fmt.Fprint(out, renderTable([]string{"Record", "Pending detections"}, rows, []columnAlignment{alignRight, alignRight}))
	}
}
