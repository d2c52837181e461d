package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Refine and inspect deal report versions",
}

// -- report refine --

var reportRefineCmd = &cobra.Command{
	Use:   "refine <run-id> <prompt>",
	Short: "Regenerate the deal report for a prompt and store it as a new version",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.Reports.CreateVersion(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return eris.Wrap(err, "report refine")
		}
		return writeOutput(cmd.OutOrStdout(), outputFormat, v)
	},
}

// -- report versions --

var reportVersionsCmd = &cobra.Command{
	Use:   "versions <run-id>",
	Short: "List a run's report versions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mgr := report.NewManager(st, nil)
		if current, _ := cmd.Flags().GetBool("current"); current {
			v, err := mgr.Current(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "report versions")
			}
			return writeOutput(cmd.OutOrStdout(), outputFormat, v)
		}

		versions, err := mgr.List(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "report versions")
		}
		if outputFormat != "" {
			return writeOutput(cmd.OutOrStdout(), outputFormat, versions)
		}
		formatVersionsList(cmd.OutOrStdout(), versions)
		return nil
	},
}

// formatVersionsList writes a tabular list of report versions to w.
func formatVersionsList(out io.Writer, versions []model.ReportVersion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tCURRENT\tCREATED\tSUMMARY")
	_, _ = fmt.Fprintln(w, "-------\t-------\t-------\t-------")
	for _, v := range versions {
		current := ""
		if v.IsCurrent {
			current = "*"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			v.Version,
			current,
			v.CreatedAt.Format("2006-01-02 15:04"),
			v.ChangeSummary,
		)
	}
	_ = w.Flush()
}

func init() {
	reportVersionsCmd.Flags().Bool("current", false, "show only the current version with its content")

	reportCmd.AddCommand(reportRefineCmd)
	reportCmd.AddCommand(reportVersionsCmd)
	rootCmd.AddCommand(reportCmd)
}
