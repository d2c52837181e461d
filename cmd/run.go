package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/pipeline"
	"github.com/sells-group/diligence-cli/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create, execute and inspect analysis runs",
}

// -- run create --

var runCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending analysis run for a case",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		caseID, _ := cmd.Flags().GetString("case")
		name, _ := cmd.Flags().GetString("name")
		tierName, _ := cmd.Flags().GetString("tier")
		tier, err := parseTier(tierName)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.CreateRun(ctx, caseID, name, tier)
		if err != nil {
			return eris.Wrap(err, "run create")
		}
		return writeOutput(cmd.OutOrStdout(), outputFormat, run)
	},
}

// -- run execute --

var runExecuteCmd = &cobra.Command{
	Use:   "execute <run-id>",
	Short: "Execute or resume a run from its checkpoint",
	Long: "Executes the run's remaining passes. A completed run is a no-op, a paused run resumes " +
		"where it stopped, and a failed run requires --reset or --full-reset. Interrupting the " +
		"command pauses the run at the next unit boundary.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		reset, _ := cmd.Flags().GetBool("reset")
		fullReset, _ := cmd.Flags().GetBool("full-reset")
		budget, _ := cmd.Flags().GetDuration("budget")

		opts := pipeline.Options{Reset: reset, FullReset: fullReset}
		if budget > 0 {
			opts.Deadline = time.Now().Add(budget)
		}

		res, err := env.Orchestrator.Run(ctx, args[0], opts)
		if errors.Is(err, pipeline.ErrRunFailed) {
			return eris.Wrap(err, "run execute (retry with --reset or --full-reset)")
		}
		if err != nil {
			return eris.Wrap(err, "run execute")
		}

		zap.L().Info("run execute finished",
			zap.String("run_id", res.RunID),
			zap.String("status", string(res.Status)),
			zap.Int("pass", res.Pass),
			zap.Bool("no_op", res.NoOp),
		)
		return writeOutput(cmd.OutOrStdout(), outputFormat, res)
	},
}

// -- run show --

var runShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run show")
		}
		cp, err := st.LoadCheckpoint(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run show")
		}

		return writeOutput(cmd.OutOrStdout(), outputFormat, runDetail{Run: run, Checkpoint: cp})
	},
}

// runDetail is the output of run show.
type runDetail struct {
	Run        *model.AnalysisRun `json:"run" yaml:"run"`
	Checkpoint *model.Checkpoint  `json:"checkpoint" yaml:"checkpoint"`
}

// -- run list --

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		caseID, _ := cmd.Flags().GetString("case")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			CaseID: caseID,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "run list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		if outputFormat != "" {
			return writeOutput(cmd.OutOrStdout(), outputFormat, runs)
		}
		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- run delete --

var runDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run with its checkpoint, findings and report versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteRun(ctx, args[0]); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return eris.Wrap(err, "run delete: run is processing")
			}
			return eris.Wrap(err, "run delete")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
		return nil
	},
}

// parseTier is strict, unlike model.ParseModelTier.
func parseTier(s string) (model.ModelTier, error) {
	for _, t := range model.Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", eris.Errorf("unknown model tier %q (want one of %v)", s, model.Tiers)
}

func init() {
	runCreateCmd.Flags().String("case", "", "case id (required)")
	runCreateCmd.Flags().String("name", "", "run name")
	runCreateCmd.Flags().String("tier", string(model.TierBalanced), "model tier (cost_optimized, balanced, high_accuracy, maximum_accuracy)")
	_ = runCreateCmd.MarkFlagRequired("case")

	runExecuteCmd.Flags().Bool("reset", false, "clear a failure and resume from the current pass")
	runExecuteCmd.Flags().Bool("full-reset", false, "discard all pass progress and start over (cost is kept)")
	runExecuteCmd.Flags().Duration("budget", 0, "wall-clock budget for this invocation (e.g. 10m); the run pauses when it runs out")
	runExecuteCmd.MarkFlagsMutuallyExclusive("reset", "full-reset")

	runListCmd.Flags().String("status", "", "filter by run status (pending, processing, paused, completed, failed)")
	runListCmd.Flags().String("case", "", "filter by case id")
	runListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runExecuteCmd)
	runCmd.AddCommand(runShowCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runDeleteCmd)
	rootCmd.AddCommand(runCmd)
}
