package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/food-review/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Run the pending food review pipeline",
}

var reviewRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Review pending foods now and stage suggestions for approval",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("review"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		controller, ready, err := newController(cfg, st)
		if err != nil {
			return err
		}
		if !ready {
			return errClassifierNotConfigured
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runBy, _ := cmd.Flags().GetString("run-by")
		if runBy == "" {
			runBy = cfg.Auth.CronRunBy
		}

		run, done, err := controller.Start(ctx, runBy, limit, progressPrinter(os.Stderr))
		if err != nil {
			return eris.Wrap(err, "review run")
		}
		zap.L().Info("review run started", zap.String("run_id", run.ID), zap.String("run_by", runBy))

		var res review.Result
		select {
		case res = <-done:
		case <-ctx.Done():
			stop()
			fmt.Fprintln(os.Stderr, "Interrupted: waiting for the run to finish its current batch (interrupt again to abort).")
			res = <-done
		}

		if res.Run != nil {
			formatRunDetail(os.Stdout, res.Run)
		}
		if res.Err != nil {
			return eris.Wrap(res.Err, "review run")
		}
		return nil
	},
}

// progressPrinter renders run events as console lines.
func progressPrinter(out io.Writer) review.FuncSink {
	total := 0
	return func(e review.Event) {
		switch e.Kind {
		case review.EventStarted:
			total = e.Total
			_, _ = fmt.Fprintf(out, "run %s: %d pending foods\n", truncateID(e.RunID), e.Total)
		case review.EventBatch:
			_, _ = fmt.Fprintf(out, "  processed %d/%d, %d suggestions\n", e.Processed, total, e.SuggestionsSoFar)
		case review.EventDone:
			_, _ = fmt.Fprintf(out, "done: %d processed, %d suggestions\n", e.Processed, e.SuggestionsSoFar)
		case review.EventError:
			_, _ = fmt.Fprintf(out, "failed: %s\n", e.Message)
		}
	}
}

func init() {
	reviewRunCmd.Flags().Int("limit", 0, "max pending foods to review (0 = configured default)")
	reviewRunCmd.Flags().String("run-by", "", "identity recorded on the run (default auth.cron_run_by)")

	reviewCmd.AddCommand(reviewRunCmd)
	rootCmd.AddCommand(reviewCmd)
}
