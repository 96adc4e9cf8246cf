package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/exam"
	"github.com/as-czyk/diagnostic-test/handlers"
	"github.com/as-czyk/diagnostic-test/ingestion"
	"github.com/as-czyk/diagnostic-test/llm"
	"github.com/as-czyk/diagnostic-test/session"
	"github.com/as-czyk/diagnostic-test/storage"
	"github.com/as-czyk/diagnostic-test/studyplan"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server with its background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dir, _ := cmd.Flags().GetString("templates"); dir != "" {
			templatesDir = dir
		}
		return runServer(cmd.Context())
	},
}

var templatesDir = "templates"

func init() {
	serveCmd.Flags().String("templates", "", "Directory of the tutor HTML templates (default \"templates\")")
}

func runServer(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, store, err := openStore()
	if err != nil {
		return err
	}
	defer pool.Close()

	blobs, err := storage.NewFSStore(cfg.Storage.BasePath)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	provider, err := llm.NewProvider(ctx, cfg.LLM, store)
	if err != nil {
		return fmt.Errorf("configure LLM provider: %w", err)
	}
	log.Printf("[STUDYPLAN] using model %s", provider.ModelID())

	workflow := studyplan.NewWorkflow(provider, store, store, blobs, cfg.LLM.MaxTokens)
	runner := studyplan.NewRunner(workflow, store, studyplan.RunnerConfig{
		Workers:       cfg.Workflow.Workers,
		SweepInterval: cfg.Workflow.SweepInterval,
		MaxAttempts:   cfg.Workflow.MaxAttempts,
		Timeout:       cfg.Workflow.Timeout,
	})
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()

	sessions := session.NewManager(store, cfg.Session.IdleTimeout)
	defer sessions.Close()
	go sessions.Run(ctx, cfg.Session.SweepInterval)

	// Start background job for question statistics
	go runStatsJob(ctx, pool, cfg.StatsInterval)

	handler := handlers.NewHandler(handlers.Deps{
		Store:    store,
		Sessions: sessions,
		Plans:    runner,
		Blobs:    blobs,
		Auth: handlers.AuthSettings{
			SigningKey:    cfg.Auth.JWTSigningKey,
			Issuer:        cfg.Auth.Issuer,
			TokenTTL:      cfg.Auth.TokenTTL,
			TutorUser:     cfg.Auth.TutorUser,
			TutorPassHash: cfg.Auth.TutorPassHash,
		},
		Ingest: func(ctx context.Context) error {
			return ingestion.ProcessBank(ctx, pool, cfg.Bank.Path)
		},
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, templatesDir)

	srv := &http.Server{
		Addr:    cfg.ServerPort,
		Handler: handler,
	}

	// Goroutine to gracefully shut down the server
	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("Diagnostic server starting on %s", cfg.ServerPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server startup error: %w", err)
	}
	<-runnerDone
	log.Println("Server exited gracefully.")
	return nil
}

// runStatsJob recomputes observed question statistics every interval.
func runStatsJob(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		log.Println("Running question statistics update...")
		n, err := exam.UpdateQuestionStats(ctx, pool)
		if err != nil {
			log.Printf("Error updating question statistics: %v", err)
			db.LogAdminEvent(pool, "system", "question_stats_update_failed", "all_questions", fmt.Sprintf("Error: %v", err))
			continue
		}
		log.Printf("Updated statistics of %d questions.", n)
		db.LogAdminEvent(pool, "system", "question_stats_update_success", "all_questions", fmt.Sprintf("%d questions updated.", n))
	}
}
