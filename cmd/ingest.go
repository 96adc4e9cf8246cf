package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/ingestion"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load the question bank and regenerate the section exams",
	RunE: func(cmd *cobra.Command, args []string) error {
		bankPath := cfg.Bank.Path
		if p, _ := cmd.Flags().GetString("bank"); p != "" {
			bankPath = p
		}

		if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
			return checkBank(bankPath)
		}

		pool, _, err := openStore()
		if err != nil {
			return err
		}
		defer pool.Close()

		err = ingestion.ProcessBank(cmd.Context(), pool, bankPath)
		if errors.Is(err, ingestion.ErrInvalidBank) {
			db.LogAdminEvent(pool, "cli", "ingestion_failed", bankPath, fmt.Sprintf("Error: %v", err))
			return fmt.Errorf("%w (details in error_logs)", err)
		}
		if err != nil {
			db.LogAdminEvent(pool, "cli", "ingestion_failed", bankPath, fmt.Sprintf("Error: %v", err))
			return err
		}
		db.LogAdminEvent(pool, "cli", "ingestion_success", bankPath, "Ingestion and exam regeneration completed.")
		fmt.Println("Ingestion and exam regeneration completed.")
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("bank", "", "Bank directory with bank.yaml and questions.csv (overrides BANK.PATH)")
	ingestCmd.Flags().Bool("dry-run", false, "Validate the bank without touching the database")
}

// checkBank prints every validation error and warning of the bank at bankPath.
func checkBank(bankPath string) error {
	bank, errs := ingestion.ReadBank(bankPath)
	for _, e := range errs {
		fmt.Printf("ERROR   %s\n", e)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %d errors", ingestion.ErrInvalidBank, len(errs))
	}
	for _, w := range bank.Warnings {
		fmt.Printf("WARNING %s\n", w)
	}
	fmt.Printf("Bank %s: %d questions, %d exam definitions, %d warnings\n",
		bank.Meta.BankVersion, len(bank.Questions), len(bank.Meta.Exams), len(bank.Warnings))
	return nil
}
