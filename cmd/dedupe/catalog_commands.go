package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dedupe/internal/service"
)

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the reference catalog",
	}
	catalogCmd.AddCommand(newCatalogImportCommand(ctx))
	return catalogCmd
}

func newCatalogImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Load records, digital objects, and slugs from a JSON array",
		Long: `Import reads a JSON array of records. Each record may carry slugs and
digital_objects; parents must appear before their children. The whole file
is imported in one transaction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open import file: %w", err)
			}
			defer file.Close()

			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				summary, err := svc.ImportCatalog(runCtx, file)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records, %d digital objects, %d slugs\n",
					summary.Records, summary.DigitalObjects, summary.Slugs)
				return nil
			})
		},
	}
}
