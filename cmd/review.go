package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/diligence-cli/internal/export"
	"github.com/sells-group/diligence-cli/internal/notify"
	"github.com/sells-group/diligence-cli/internal/review"
	"github.com/sells-group/diligence-cli/internal/store"
)

var progressCmd = &cobra.Command{
	Use:   "progress <case-id>",
	Short: "Show document processing progress for a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.DocumentProgress(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "progress")
		}
		if outputFormat != "" {
			return writeOutput(cmd.OutOrStdout(), outputFormat, p)
		}
		formatProgress(cmd.OutOrStdout(), args[0], p)
		return nil
	},
}

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "List, review and export findings",
}

// -- findings list --

var findingsListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List a run's findings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := findingFilter(cmd, args[0])
		if err != nil {
			return err
		}
		findings, err := st.ListFindings(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "findings list")
		}

		if outputFormat != "" {
			return writeOutput(cmd.OutOrStdout(), outputFormat, findings)
		}
		if len(findings) == 0 {
			fmt.Fprintln(os.Stderr, "No findings found.")
			return nil
		}
		formatFindingsList(cmd.OutOrStdout(), findings)
		return nil
	},
}

// -- findings status --

var findingsStatusCmd = &cobra.Command{
	Use:   "status <finding-id> <status>",
	Short: "Set a finding's review status (New, Red, Amber, Deleted)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		status, err := review.ParseStatus(args[1])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		f, err := review.New(st, nil).ChangeStatus(ctx, args[0], status)
		if err != nil {
			return eris.Wrap(err, "findings status")
		}
		return writeOutput(cmd.OutOrStdout(), outputFormat, f)
	},
}

// -- findings export --

var findingsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's findings to an .xlsx workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("out")
		if path == "" {
			path = args[0] + "-findings.xlsx"
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.GetRun(ctx, args[0]); err != nil {
			return eris.Wrap(err, "findings export")
		}
		filter, err := findingFilter(cmd, args[0])
		if err != nil {
			return err
		}
		findings, err := st.ListFindings(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "findings export")
		}

		f, err := os.Create(path)
		if err != nil {
			return eris.Wrap(err, "findings export: create file")
		}
		if err := export.WriteFindings(f, findings); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "findings export: close file")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d findings to %s\n", len(findings), path)
		return nil
	},
}

func findingFilter(cmd *cobra.Command, runID string) (store.FindingFilter, error) {
	filter := store.FindingFilter{RunID: runID}
	filter.RiskID, _ = cmd.Flags().GetString("risk")
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		status, err := review.ParseStatus(s)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	return filter, nil
}

var riskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Edit risks",
}

// -- risk edit --

var riskEditCmd = &cobra.Command{
	Use:   "edit <risk-id> <detail>",
	Short: "Replace a risk's detail and invalidate its findings",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		notifier := notify.New(cfg.Notify)
		defer notifier.Wait()

		res, err := review.New(st, notifier).EditRiskDetail(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "risk edit")
		}
		return writeOutput(cmd.OutOrStdout(), outputFormat, res)
	},
}

func init() {
	for _, c := range []*cobra.Command{findingsListCmd, findingsExportCmd} {
		c.Flags().String("status", "", "filter by status (New, Red, Amber, Deleted)")
		c.Flags().String("risk", "", "filter by risk id")
	}
	findingsExportCmd.Flags().StringP("out", "o", "", "output file (default <run-id>-findings.xlsx)")

	findingsCmd.AddCommand(findingsListCmd)
	findingsCmd.AddCommand(findingsStatusCmd)
	findingsCmd.AddCommand(findingsExportCmd)
	riskCmd.AddCommand(riskEditCmd)

	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(findingsCmd)
	rootCmd.AddCommand(riskCmd)
}
