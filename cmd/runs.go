package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/food-review/internal/export"
	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/monitoring"
	"github.com/sells-group/food-review/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect review runs and their suggestions",
	Long:  "Commands for listing review runs, viewing suggestions, summarizing activity and exporting a run for reviewers.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("read")
	},
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")

		filter := store.RunFilter{Status: model.RunStatus(status), Limit: limit}
		if since > 0 {
			filter.CreatedAfter = time.Now().UTC().Add(-since)
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		formatRunDetail(os.Stdout, run)
		return nil
	},
}

// -- runs suggestions --

var runsSuggestionsCmd = &cobra.Command{
	Use:   "suggestions <run-id>",
	Short: "List the suggestions staged by a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		action, _ := cmd.Flags().GetString("action")
		limit, _ := cmd.Flags().GetInt("limit")

		sugs, err := st.ListSuggestions(ctx, args[0], store.SuggestionFilter{
			Action: model.SuggestedAction(action),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs suggestions")
		}

		if len(sugs) == 0 {
			fmt.Fprintln(os.Stderr, "No suggestions found.")
			return nil
		}

		formatSuggestions(os.Stdout, sugs)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate review statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("hours")
		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatStats(os.Stdout, snap)
		return nil
	},
}

// -- runs export --

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's suggestions to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs export")
		}
		sugs, err := st.ListSuggestions(ctx, run.ID, store.SuggestionFilter{Limit: 100000})
		if err != nil {
			return eris.Wrap(err, "runs export")
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = fmt.Sprintf("review-%s.xlsx", truncateID(run.ID))
		}
		if err := export.Save(out, run, sugs); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Wrote %d suggestions to %s\n", len(sugs), out)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, pending_approval, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Duration("since", 0, "only runs started within this window (e.g. 24h)")

	runsSuggestionsCmd.Flags().String("action", "", "filter by action (alias, create, reject, delete)")
	runsSuggestionsCmd.Flags().Int("limit", 200, "max number of suggestions to display")

	runsStatsCmd.Flags().Int("hours", 24, "lookback window in hours")

	runsExportCmd.Flags().String("out", "", "output path (default review-<run-id>.xlsx)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsSuggestionsCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsExportCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.ReviewRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tRUN_BY\tSTARTED\tPROCESSED\tSUGGESTIONS\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t---------\t-----------\t--------")

	for _, r := range runs {
		dur := ""
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			truncateID(r.ID),
			r.Status,
			r.RunBy,
			r.StartedAt.Format("2006-01-02 15:04"),
			r.TotalProcessed,
			r.Summary.Total(),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunDetail writes one run with its per-action summary to w.
func formatRunDetail(out io.Writer, r *model.ReviewRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Run by:\t%s\n", r.RunBy)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", r.StartedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		_, _ = fmt.Fprintf(w, "Completed:\t%s\n", r.CompletedAt.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", r.TotalProcessed)
	if r.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	if len(r.Summary) > 0 {
		_, _ = fmt.Fprintf(w, "Suggestions:\t%d\n", r.Summary.Total())
		for _, a := range model.AllActions() {
			if n := r.Summary[a]; n > 0 {
				_, _ = fmt.Fprintf(w, "  %s:\t%d\n", a, n)
			}
		}
	}
	_ = w.Flush()
}

// formatSuggestions writes a tabular list of suggestions to w.
func formatSuggestions(out io.Writer, sugs []model.Suggestion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FOOD\tACTION\tTARGET\tQTY\tUNIT\tREFS\tREASONING")
	_, _ = fmt.Fprintln(w, "----\t------\t------\t---\t----\t----\t---------")

	for _, s := range sugs {
		qty := ""
		if s.ExtractedQuantity != nil {
			qty = fmt.Sprintf("%g", *s.ExtractedQuantity)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncate(s.FoodName, 30),
			s.SuggestedAction,
			truncate(deref(s.TargetFoodName), 30),
			qty,
			deref(s.ExtractedUnit),
			s.IngredientCount,
			s.AIReasoning,
		)
	}
	_ = w.Flush()
}

// formatStats writes a stats snapshot to w.
func formatStats(out io.Writer, s *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.RunsRunning)
	_, _ = fmt.Fprintf(w, "Pending approval:\t%d\n", s.RunsPendingApproval)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	_, _ = fmt.Fprintf(w, "  Stuck reclaimed:\t%d\n", s.StuckRunsReclaimed)
	_, _ = fmt.Fprintf(w, "Fail rate:\t%.1f%%\n", s.FailRate*100)
	_, _ = fmt.Fprintf(w, "Items processed:\t%d\n", s.ItemsProcessed)
	_, _ = fmt.Fprintf(w, "Suggestions:\t%d\n", s.SuggestionsTotal)
	for _, a := range model.AllActions() {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", a, s.SuggestionsByAction[a])
	}
	if s.ActiveRun != nil {
		_, _ = fmt.Fprintf(w, "Active run:\t%s (%s)\n", truncateID(s.ActiveRun.ID), s.ActiveRun.Status)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
