package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dedupe/internal/scanjob"
	"dedupe/internal/service"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect scan jobs",
	}

	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsReclaimCommand(ctx))

	return jobsCmd
}

type jobJSON struct {
	ID               int64   `json:"id"`
	Scope            string  `json:"scope"`
	Status           string  `json:"status"`
	Limit            int64   `json:"limit,omitempty"`
	TotalRecords     int64   `json:"total_records"`
	Processed        int64   `json:"processed"`
	Percent          float64 `json:"percent"`
	DuplicatesFound  int64   `json:"duplicates_found"`
	LastCheckpointID int64   `json:"last_checkpoint_id"`
	StartedAt        string  `json:"started_at,omitempty"`
	CompletedAt      string  `json:"completed_at,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	Resumable        bool    `json:"resumable"`
}

func jobView(job scanjob.Job) jobJSON {
	view := jobJSON{
		ID:               job.ID,
		Scope:            job.Scope().String(),
		Status:           string(job.Status),
		Limit:            job.Limit,
		TotalRecords:     job.TotalRecords,
		Processed:        job.Processed,
		Percent:          job.Percent(),
		DuplicatesFound:  job.DuplicatesFound,
		LastCheckpointID: job.LastCheckpointID,
		ErrorMessage:     job.ErrorMessage,
		Resumable:        job.Resumable(),
	}
	if job.StartedAt != nil {
		view.StartedAt = formatTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		view.CompletedAt = formatTime(*job.CompletedAt)
	}
	return view
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent scan jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				jobs, err := svc.Jobs(runCtx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					views := make([]jobJSON, 0, len(jobs))
					for _, job := range jobs {
						views = append(views, jobView(job))
					}
					return writeJSON(cmd, views)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No scan jobs")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						job.Scope().String(),
						string(job.Status),
						fmt.Sprintf("%d/%d", job.Processed, job.TotalRecords),
						fmt.Sprintf("%.0f%%", job.Percent()),
						strconv.FormatInt(job.DuplicatesFound, 10),
						formatTimePtr(job.StartedAt),
						orDash(job.ErrorMessage),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Scope", "Status", "Progress", "Done", "Duplicates", "Started", "Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <jobId>",
		Short: "Show one scan job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("job", args[0])
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				job, err := svc.Job(runCtx, id)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, jobView(*job))
				}
				fmt.Fprint(cmd.OutOrStdout(), renderKeyValues([][2]string{
					{"Job", strconv.FormatInt(job.ID, 10)},
					{"Scope", job.Scope().String()},
					{"Status", string(job.Status)},
					{"Progress", fmt.Sprintf("%d/%d (%.1f%%)", job.Processed, job.TotalRecords, job.Percent())},
					{"Duplicates found", strconv.FormatInt(job.DuplicatesFound, 10)},
					{"Last checkpoint", strconv.FormatInt(job.LastCheckpointID, 10)},
					{"Started", formatTimePtr(job.StartedAt)},
					{"Completed", formatTimePtr(job.CompletedAt)},
					{"Error", orDash(job.ErrorMessage)},
					{"Resumable", yesNo(job.Resumable())},
				}))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newJobsReclaimCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Mark running jobs without a recent checkpoint as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				n, err := svc.ReclaimStaleJobs(runCtx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale job(s)\n", n)
				return nil
			})
		},
	}
}
