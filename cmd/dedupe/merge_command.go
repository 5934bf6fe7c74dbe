package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dedupe/internal/dedupeerr"
	"dedupe/internal/merge"
	"dedupe/internal/service"
)

func newMergeCommand(ctx *commandContext) *cobra.Command {
	var (
		primary    string
		dryRun     bool
		force      bool
		user       string
		notes      string
		take       []string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "merge <detectionId>",
		Short: "Merge the records of a detection into one",
		Long: `Merge moves the secondary record's children, digital objects and slugs onto
the primary record and archives the secondary as superseded. Everything
happens in one transaction and is recorded in the merge log.

--primary picks the surviving record: "a" (lower id, default), "b", or a
record id from the pair. --take copies descriptive fields (title,
identifier, level) from the secondary onto the primary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detectionID, err := parseID("detection", args[0])
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				d, err := svc.Detection(runCtx, detectionID)
				if err != nil {
					return err
				}
				primaryID, err := service.ResolvePrimary(d, primary)
				if err != nil {
					return err
				}
				secondaryID, _ := d.Pair().Other(primaryID)

				if !dryRun && !force {
					if !stdinIsTerminal(cmd) {
						return dedupeerr.Validation("cli", "refusing to merge without confirmation; pass --force or run interactively")
					}
					ok, err := confirm(cmd, fmt.Sprintf("Merge record %d into record %d? [y/N] ", secondaryID, primaryID))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "Merge cancelled")
						return nil
					}
				}

				outcome, err := svc.MergeRecords(runCtx, service.MergeRequest{
					DetectionID:     detectionID,
					PrimaryRecordID: primaryID,
					Actor:           user,
					DryRun:          dryRun,
					Notes:           notes,
					TakeFields:      take,
				})
				if err != nil {
					return err
				}
				if outcome.Plan != nil {
					if jsonOutput {
						return writeJSON(cmd, planView(*outcome.Plan))
					}
					printPlan(cmd, *outcome.Plan)
					return nil
				}
				if jsonOutput {
					return writeJSON(cmd, mergeResultView(*outcome.Result))
				}
				printMergeResult(cmd, *outcome.Result)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&primary, "primary", "a", "Surviving record: a, b, or a record id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what the merge would do without writing")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	cmd.Flags().StringVar(&user, "user", "", "Acting user recorded in the merge log (defaults to merge.default_actor)")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes recorded in the merge log")
	cmd.Flags().StringSliceVar(&take, "take", nil, "Descriptive field to take from the secondary: "+strings.Join(merge.DescriptiveFields(), ", ")+" (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func printPlan(cmd *cobra.Command, p merge.Plan) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Dry run: detection %d would merge record %d into record %d\n", p.DetectionID, p.SecondaryID, p.PrimaryID)
	fmt.Fprint(out, renderTable(
		[]string{"Change", "Count"},
		[][]string{
			{"Children moved", fmt.Sprint(p.ChildrenMoved)},
			{"Digital objects moved", fmt.Sprint(p.DigitalObjectsMoved)},
			{"Slugs redirected", fmt.Sprint(p.SlugsRedirected)},
			{"Primary children after merge", fmt.Sprint(p.PrimaryChildren)},
			{"Primary digital objects after merge", fmt.Sprint(p.PrimaryDigitalObjects)},
		},
		[]columnAlignment{alignLeft, alignRight},
	))
	printFieldChanges(cmd, p.FieldChanges)
	fmt.Fprintln(out, "No changes were written")
}

func printFieldChanges(cmd *cobra.Command, changes []merge.FieldChange) {
	if len(changes) == 0 {
		return
	}
	rows := make([][]string, 0, len(changes))
	for _, change := range changes {
		rows = append(rows, []string{change.Field, orDash(change.From), orDash(change.To)})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable(
		[]string{"Field", "Primary value", "Taken from secondary"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft},
	))
}

func printMergeResult(cmd *cobra.Command, r merge.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Merged record %d into record %d (detection %d)\n", r.SecondaryID, r.PrimaryID, r.DetectionID)
	fmt.Fprintf(out, "Children moved:        %d\n", r.ChildrenMoved)
	fmt.Fprintf(out, "Digital objects moved: %d\n", r.DigitalObjectsMoved)
	fmt.Fprintf(out, "Slugs redirected:      %d\n", r.SlugsRedirected)
	fmt.Fprintf(out, "Fields taken:          %d\n", len(r.FieldChanges))
	fmt.Fprintf(out, "Merge log:             %d (%s)\n", r.LogID, r.Reference)
	if r.Notes != "" {
		fmt.Fprintf(out, "Notes:                 %s\n", r.Notes)
	}
}

type planJSON struct {
	DryRun                bool                `json:"dry_run"`
	DetectionID           int64               `json:"detection_id"`
	PrimaryID             int64               `json:"primary_id"`
	SecondaryID           int64               `json:"secondary_id"`
	ChildrenMoved         int                 `json:"children_moved"`
	DigitalObjectsMoved   int                 `json:"digital_objects_moved"`
	SlugsRedirected       int                 `json:"slugs_redirected"`
	PrimaryChildren       int                 `json:"primary_children"`
	PrimaryDigitalObjects int                 `json:"primary_digital_objects"`
	FieldChanges          []merge.FieldChange `json:"field_changes,omitempty"`
}

func planView(p merge.Plan) planJSON {
	return planJSON{
		DryRun:                true,
		DetectionID:           p.DetectionID,
		PrimaryID:             p.PrimaryID,
		SecondaryID:           p.SecondaryID,
		ChildrenMoved:         p.ChildrenMoved,
		DigitalObjectsMoved:   p.DigitalObjectsMoved,
		SlugsRedirected:       p.SlugsRedirected,
		PrimaryChildren:       p.PrimaryChildren,
		PrimaryDigitalObjects: p.PrimaryDigitalObjects,
		FieldChanges:          p.FieldChanges,
	}
}

type mergeResultJSON struct {
	LogID               int64               `json:"merge_log_id"`
	Reference           string              `json:"reference"`
	DetectionID         int64               `json:"detection_id"`
	PrimaryID           int64               `json:"primary_id"`
	SecondaryID         int64               `json:"secondary_id"`
	ChildrenMoved       int                 `json:"children_moved"`
	DigitalObjectsMoved int                 `json:"digital_objects_moved"`
	SlugsRedirected     int                 `json:"slugs_redirected"`
	FieldChanges        []merge.FieldChange `json:"field_changes,omitempty"`
	Notes               string              `json:"notes,omitempty"`
	PerformedBy         string              `json:"performed_by"`
	PerformedAt         string              `json:"performed_at"`
}

func mergeResultView(r merge.Result) mergeResultJSON {
	return mergeResultJSON{
		LogID:               r.LogID,
		Reference:           r.Reference,
		DetectionID:         r.DetectionID,
		PrimaryID:           r.PrimaryID,
		SecondaryID:         r.SecondaryID,
		ChildrenMoved:       r.ChildrenMoved,
		DigitalObjectsMoved: r.DigitalObjectsMoved,
		SlugsRedirected:     r.SlugsRedirected,
		FieldChanges:        r.FieldChanges,
		Notes:               r.Notes,
		PerformedBy:         r.PerformedBy,
		PerformedAt:         r.PerformedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
