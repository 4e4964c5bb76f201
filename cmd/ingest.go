package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ThachTung/WebScraper/internal/names"
)

func newIngestCmd() *cobra.Command {
	var namesFile string
	var printSummary bool
	cmd := &cobra.Command{
		Use:   "ingest [name...]",
		Short: "Fetch, classify, deduplicate and store sold listings for each name",
		Long: `Ingests every name given as an argument, or every name in the names
file (one per line, or the first CSV column) when no arguments are given.
A failing name is logged and skipped; the run always finishes the list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			list := args
			if len(list) == 0 {
				path := namesFile
				if path == "" {
					path = appInstance.Config().Names.File
				}
				if list, err = names.ReadFile(path); err != nil {
					return err
				}
			}

			summary, err := appInstance.Ingest(cmd.Context(), list)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			for _, r := range summary.PerEntity {
				if r.Failed() {
					appInstance.Logger().Warn("entity failed", zap.String("entity", r.Entity), zap.String("error", r.Error))
				}
			}
			if printSummary {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"run %s: %d entities, %d succeeded, %d failed, %d records ingested\n",
				summary.RunID, summary.Entities, summary.Succeeded, summary.Failed, summary.RecordsIngested)
			return err
		},
	}
	cmd.Flags().StringVar(&namesFile, "names", "", "names file (overrides names.file)")
	cmd.Flags().BoolVar(&printSummary, "json", false, "print the run summary as JSON")
	return cmd
}
