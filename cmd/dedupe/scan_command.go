package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dedupe/internal/catalog"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/scanner"
	"dedupe/internal/service"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	var (
		repositoryID int64
		all          bool
		limit        int64
		force        bool
		resumeJob    int64
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the catalog for duplicate record pairs",
		Long: `Scan compares records that share a blocking key and records every pair
scoring at or above the configured threshold as a pending detection.

Interrupted scans keep their last checkpoint; rerun them with --resume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resumeJob == 0 && all == (repositoryID != 0) {
				return dedupeerr.Validation("cli", "choose exactly one of --all or --repository")
			}
			if resumeJob != 0 && (all || repositoryID != 0 || limit != 0) {
				return dedupeerr.Validation("cli", "--resume cannot be combined with a new scope or limit")
			}
			scope := catalog.AllRecords
			if repositoryID != 0 {
				if repositoryID < 0 {
					return dedupeerr.Validation("cli", "repository id must be positive")
				}
				scope = catalog.Repository(repositoryID)
			}

			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				jobID := resumeJob
				if jobID == 0 {
					var err error
					jobID, err = svc.StartScan(runCtx, scope, limit)
					if err != nil {
						return err
					}
				}

				var progress scanner.ProgressFunc
				if stderrIsTerminal(cmd) {
					errOut := cmd.ErrOrStderr()
					progress = func(processed, total int64) {
						fmt.Fprintf(errOut, "\rScanned %d/%d records", processed, total)
					}
				}
				result, err := svc.RunScan(runCtx, jobID, progress, force)
				if progress != nil {
					fmt.Fprintln(cmd.ErrOrStderr())
				}
				if err != nil {
					return fmt.Errorf("scan job %d: %w", jobID, err)
				}

				if jsonOutput {
					return writeJSON(cmd, scanResultView(result))
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Scan job %d completed\n", result.JobID)
				fmt.Fprintf(out, "Records processed: %d\n", result.Processed)
				fmt.Fprintf(out, "Duplicates found:  %d\n", result.DuplicatesFound)
				if result.Skipped > 0 {
					fmt.Fprintf(out, "Oversized blocks skipped: %d\n", result.Skipped)
				}
				if result.PairErrors > 0 {
					fmt.Fprintf(out, "Pair comparisons failed: %d (see log)\n", result.PairErrors)
				}
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&repositoryID, "repository", 0, "Scan a single repository")
	cmd.Flags().BoolVar(&all, "all", false, "Scan the whole catalog")
	cmd.Flags().Int64Var(&limit, "limit", 0, "Visit at most N records (0 = no limit)")
	cmd.Flags().BoolVar(&force, "force", false, "Refresh confirmed and dismissed detections back to pending")
	cmd.Flags().Int64Var(&resumeJob, "resume", 0, "Resume a failed or interrupted scan job")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	return cmd
}

type scanResultJSON struct {
	JobID           int64 `json:"job_id"`
	Processed       int64 `json:"processed"`
	DuplicatesFound int64 `json:"duplicates_found"`
	SkippedBlocks   int   `json:"skipped_blocks"`
	PairErrors      int64 `json:"pair_errors"`
}

func scanResultView(result scanner.Result) scanResultJSON {
	return scanResultJSON{
		JobID:           result.JobID,
		Processed:       result.Processed,
		DuplicatesFound: result.DuplicatesFound,
		SkippedBlocks:   result.Skipped,
		PairErrors:      result.PairErrors,
	}
}
