package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ThachTung/WebScraper/internal/app"
)

func newRegroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regroup [key...]",
		Short: "Re-run deduplication and similarity grouping over stored files",
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reports, err := appInstance.Regroup(cmd.Context(), args)
			printReports(cmd.OutOrStdout(), reports)
			return err
		},
	}
}

func newFilterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filter [key...]",
		Short: "Drop stored records whose title does not mention the player",
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reports, err := appInstance.Filter(cmd.Context(), args)
			printReports(cmd.OutOrStdout(), reports)
			return err
		},
	}
}

func newCombineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "combine",
		Short: "Write the combined file of all players and export it when configured",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			path, n, uri, err := appInstance.Combine(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records\n", path, n)
			if uri != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", uri)
			}
			return nil
		},
	}
}

func printReports(w io.Writer, reports []app.MaintenanceReport) {
	for _, r := range reports {
		fmt.Fprintf(w, "%s: %d -> %d records", r.Key, r.Before, r.After)
		if r.Groups > 0 {
			fmt.Fprintf(w, " (%d groups, %d grouped)", r.Groups, r.GroupedRecords)
		}
		fmt.Fprintln(w)
	}
}
