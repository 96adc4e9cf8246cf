package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/models"
	"github.com/as-czyk/diagnostic-test/studyplan"
	"github.com/as-czyk/diagnostic-test/utils"
)

var studyPlanCmd = &cobra.Command{
	Use:   "studyplan",
	Short: "Queue, inspect and preview study plans",
}

var studyPlanTriggerCmd = &cobra.Command{
	Use:   "trigger <user_id>",
	Short: "Queue a study plan run; a running server picks it up on its next sweep",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		ctx := cmd.Context()
		userID := args[0]

		pool, store, err := openStore()
		if err != nil {
			return err
		}
		defer pool.Close()

		d, err := store.GetDiagnostic(ctx, userID)
		if err != nil {
			return fmt.Errorf("read diagnostic: %w", err)
		}
		p, err := store.GetProfile(ctx, userID)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("user %s has no profile", userID)
		}
		if err != nil {
			return fmt.Errorf("read profile: %w", err)
		}
		trigger, err := studyplan.TriggerFor(p, d)
		if err != nil {
			return err
		}

		// queue only; no workers run in this process
		runner := studyplan.NewRunner(nil, store, studyplan.RunnerConfig{})
		runID, created, err := runner.Start(ctx, trigger, force)
		if err != nil {
			return fmt.Errorf("queue run: %w", err)
		}
		if !created {
			fmt.Printf("User %s already has run %s (use --force to start a new one)\n", userID, runID)
			return nil
		}
		db.LogAdminEvent(pool, "cli", "force_study_plan", userID, fmt.Sprintf("Run %s queued", runID))
		fmt.Printf("Queued run %s for %s\n", runID, trigger.StudentName)
		return nil
	},
}

var studyPlanListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent study plan runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		pool, store, err := openStore()
		if err != nil {
			return err
		}
		defer pool.Close()

		runs, err := store.ListWorkflowRuns(cmd.Context(), status, limit)
		if err != nil {
			return fmt.Errorf("query runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No study plan runs found.")
			return nil
		}

		fmt.Printf("%-36s  %-36s  %-9s  %-6s  %-3s  %s\n", "Run", "User", "Status", "Stage", "Try", "Updated")
		fmt.Println(strings.Repeat("─", 120))
		for _, r := range runs {
			fmt.Printf("%-36s  %-36s  %-9s  %-6s  %-3d  %s\n",
				r.ID, r.UserID, r.Status, r.Stage, r.Attempts,
				r.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			if r.Status == models.RunFailed {
				fmt.Printf("    error: %s\n", utils.Deref(r.Error))
			}
		}
		return nil
	},
}

var studyPlanPreviewCmd = &cobra.Command{
	Use:   "preview <plan.md> <out.pdf>",
	Short: "Render a markdown study plan to HTML and PDF without the database",
	Args:  cobra.ExactArgs(2),
	// Config and database are not needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		md, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read markdown: %w", err)
		}
		title, _ := cmd.Flags().GetString("title")

		doc, err := studyplan.ToHTML(string(md), title)
		if err != nil {
			return fmt.Errorf("render html: %w", err)
		}
		pdf, err := studyplan.RenderPDF(doc)
		if err != nil {
			return fmt.Errorf("render pdf: %w", err)
		}
		if err := os.WriteFile(args[1], pdf, 0o644); err != nil {
			return fmt.Errorf("write pdf: %w", err)
		}
		if htmlOut, _ := cmd.Flags().GetString("html"); htmlOut != "" {
			if err := os.WriteFile(htmlOut, []byte(doc), 0o644); err != nil {
				return fmt.Errorf("write html: %w", err)
			}
		}
		fmt.Printf("Wrote %s (%d bytes)\n", args[1], len(pdf))
		return nil
	},
}

func init() {
	studyPlanTriggerCmd.Flags().Bool("force", false, "Start a new run even if one is pending, running or succeeded")

	studyPlanListCmd.Flags().Int("limit", 20, "Number of runs to show")
	studyPlanListCmd.Flags().String("status", "", "Filter by status (pending, running, succeeded, failed)")

	studyPlanPreviewCmd.Flags().String("title", "SAT Study Plan", "Document title")
	studyPlanPreviewCmd.Flags().String("html", "", "Also write the intermediate HTML to this file")

	studyPlanCmd.AddCommand(studyPlanTriggerCmd)
	studyPlanCmd.AddCommand(studyPlanListCmd)
	studyPlanCmd.AddCommand(studyPlanPreviewCmd)
}
