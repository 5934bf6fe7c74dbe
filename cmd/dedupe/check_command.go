package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"dedupe/internal/catalog"
	"dedupe/internal/fileutil"
	"dedupe/internal/service"
)

type matchJSON struct {
	RecordID   int64              `json:"record_id"`
	Title      string             `json:"title"`
	Identifier string             `json:"identifier,omitempty"`
	Method     string             `json:"detection_method"`
	Score      float64            `json:"similarity_score"`
	Components map[string]float64 `json:"components,omitempty"`
	Rule       string             `json:"rule,omitempty"`
	Blocking   bool               `json:"blocking"`
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var (
		title        string
		identifier   string
		repositoryID int64
		attachments  []string
		files        []string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Score a prospective record against the catalog without saving anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range files {
				sum, _, err := fileutil.SHA256File(path)
				if err != nil {
					return fmt.Errorf("checksum attachment: %w", err)
				}
				attachments = append(attachments, sum)
			}
			candidate := catalog.Record{
				Title:            strings.TrimSpace(title),
				Identifier:       strings.TrimSpace(identifier),
				AttachmentHashes: attachments,
			}
			scope := catalog.AllRecords
			if repositoryID > 0 {
				scope = catalog.Repository(repositoryID)
				candidate.RepositoryID = &repositoryID
			}
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				matches, err := svc.Check(runCtx, candidate, scope)
				if err != nil {
					return err
				}
				if jsonOutput {
					views := make([]matchJSON, 0, len(matches))
					for _, m := range matches {
						views = append(views, matchJSON{
							RecordID:   m.Record.ID,
							Title:      m.Record.Title,
							Identifier: m.Record.Identifier,
							Method:     string(m.Method),
							Score:      m.Score,
							Components: m.Components,
							Rule:       m.RuleName,
							Blocking:   m.Blocking,
						})
					}
					return writeJSON(cmd, views)
				}
				if len(matches) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No likely duplicates found")
					return nil
				}
				rows := make([][]string, 0, len(matches))
				blocking := 0
				for _, m := range matches {
					if m.Blocking {
						blocking++
					}
					rows = append(rows, []string{
						strconv.FormatInt(m.Record.ID, 10),
						m.Record.Title,
						orDash(m.Record.Identifier),
						string(m.Method),
						formatScore(m.Score),
						orDash(m.RuleName),
						yesNo(m.Blocking),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Record", "Title", "Identifier", "Method", "Score", "Rule", "Blocking"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				if blocking > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%d match(es) hit a blocking rule; review before creating this record\n", blocking)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Title of the prospective record")
	cmd.Flags().StringVar(&identifier, "identifier", "", "Reference code of the prospective record")
	cmd.Flags().Int64Var(&repositoryID, "repository", 0, "Only compare against one repository")
	cmd.Flags().StringSliceVar(&attachments, "attachment", nil, "SHA-256 checksum of an attachment (repeatable)")
	cmd.Flags().StringSliceVar(&files, "attachment-file", nil, "Local file to checksum and compare as an attachment (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
