package studyplan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/models"
)

var (
	// ErrInvalidTrigger is returned by Start for a trigger missing required data.
	ErrInvalidTrigger = errors.New("invalid study plan trigger")
	// ErrDiagnosticIncomplete means a section result is still missing.
	ErrDiagnosticIncomplete = errors.New("diagnostic incomplete")
)

// Trigger carries what the result-generation step knows about the student.
type Trigger struct {
	UserID          string
	StudentName     string
	ExamDate        time.Time
	TargetScore     int
	MathResultRef   string
	VerbalResultRef string
}

// Validate reports the first missing field of t.
func (t Trigger) Validate() error {
	switch {
	case t.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidTrigger)
	case strings.TrimSpace(t.StudentName) == "":
		return fmt.Errorf("%w: student name is required", ErrInvalidTrigger)
	case t.ExamDate.IsZero():
		return fmt.Errorf("%w: exam date is required", ErrInvalidTrigger)
	case t.TargetScore < 400 || t.TargetScore > 1600:
		return fmt.Errorf("%w: target score %d outside 400-1600", ErrInvalidTrigger, t.TargetScore)
	case t.MathResultRef == "" || t.VerbalResultRef == "":
		return fmt.Errorf("%w: both section results are required", ErrInvalidTrigger)
	}
	return nil
}

// TriggerFor builds the trigger of a student from their profile and diagnostic.
func TriggerFor(p *models.UserProfile, d *models.Diagnostic) (Trigger, error) {
	if d.MathResultID == nil || d.VerbalResultID == nil {
		return Trigger{}, ErrDiagnosticIncomplete
	}
	return Trigger{
		UserID:          d.UserID,
		StudentName:     p.FullName(),
		ExamDate:        p.ExamDate,
		TargetScore:     p.DesiredScore,
		MathResultRef:   *d.MathResultID,
		VerbalResultRef: *d.VerbalResultID,
	}, nil
}

// RunStore persists workflow runs.
type RunStore interface {
	CreateWorkflowRun(ctx context.Context, run models.WorkflowRun, force bool) (string, bool, error)
	ClaimWorkflowRun(ctx context.Context, runID string) (*models.WorkflowRun, error)
	UpdateWorkflowStage(ctx context.Context, runID, stage string) error
	FinishWorkflowRun(ctx context.Context, runID, status string, errMsg *string) error
	ListPendingWorkflowRuns(ctx context.Context, limit int) ([]string, error)
	RequeueStaleWorkflowRuns(ctx context.Context, olderThan time.Duration) (int64, error)
	LogError(source, scope, errMsg, fixSug string)
}

// RunnerConfig sizes the runner.
type RunnerConfig struct {
	Workers       int
	SweepInterval time.Duration // how often pending runs are picked up from the store
	MaxAttempts   int           // a run that fails this many times is marked failed
	Timeout       time.Duration // per attempt
	StaleAfter    time.Duration // running runs older than this are requeued
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.Timeout
	}
	return c
}

// Runner executes workflow runs on a fixed pool of workers. Run IDs arrive on a
// buffered queue from Start and from a periodic sweep of pending runs, so runs
// enqueued before a restart are still executed.
type Runner struct {
	wf    *Workflow
	store RunStore
	cfg   RunnerConfig
	queue chan string
	wg    sync.WaitGroup
}

// NewRunner creates a runner. Call Run to start the workers.
func NewRunner(wf *Workflow, store RunStore, cfg RunnerConfig) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		wf:    wf,
		store: store,
		cfg:   cfg,
		queue: make(chan string, cfg.Workers*8),
	}
}

// Start records a pending run for t and returns its ID without waiting for it.
// A user who already has a pending, running or succeeded run gets that run back
// with created false, unless force is set.
func (r *Runner) Start(ctx context.Context, t Trigger, force bool) (runID string, created bool, err error) {
	if err := t.Validate(); err != nil {
		return "", false, err
	}
	runID, created, err = r.store.CreateWorkflowRun(ctx, models.WorkflowRun{
		UserID:         t.UserID,
		StudentName:    t.StudentName,
		ExamDate:       t.ExamDate,
		TargetScore:    t.TargetScore,
		MathResultID:   t.MathResultRef,
		VerbalResultID: t.VerbalResultRef,
	}, force)
	if err != nil {
		return "", false, err
	}
	if created {
		log.Printf("[STUDYPLAN] run %s queued for user %s (force=%t)", runID, t.UserID, force)
		r.enqueue(runID)
	}
	return runID, created, nil
}

// enqueue hands runID to a worker if the queue has room; otherwise the sweep picks it up.
func (r *Runner) enqueue(runID string) bool {
	select {
	case r.queue <- runID:
		return true
	default:
		return false
	}
}

// Run starts the workers and the sweep loop and blocks until ctx is done and
// every in-flight run has returned.
func (r *Runner) Run(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}

	r.Sweep(ctx)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep requeues stale runs and enqueues pending ones. It returns the number enqueued.
func (r *Runner) Sweep(ctx context.Context) int {
	if n, err := r.store.RequeueStaleWorkflowRuns(ctx, r.cfg.StaleAfter); err != nil {
		log.Printf("Error requeueing stale study plan runs: %v", err)
	} else if n > 0 {
		log.Printf("[STUDYPLAN] requeued %d stale runs", n)
	}

	ids, err := r.store.ListPendingWorkflowRuns(ctx, cap(r.queue))
	if err != nil {
		log.Printf("Error listing pending study plan runs: %v", err)
		return 0
	}
	queued := 0
	for _, id := range ids {
		if !r.enqueue(id) {
			break
		}
		queued++
	}
	return queued
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.process(ctx, id)
		}
	}
}

// process claims and executes one run. A run already claimed elsewhere is skipped.
func (r *Runner) process(ctx context.Context, runID string) {
	run, err := r.store.ClaimWorkflowRun(ctx, runID)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("Error claiming study plan run %s: %v", runID, err)
		return
	}

	// Finishing must survive shutdown so the run is not left running.
	finishCtx := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	_, err = r.wf.Execute(runCtx, *run, func(stage string) {
		if err := r.store.UpdateWorkflowStage(finishCtx, run.ID, stage); err != nil {
			log.Printf("Warning: failed to record stage %s of run %s: %v", stage, run.ID, err)
		}
	})
	if err == nil {
		if err := r.store.FinishWorkflowRun(finishCtx, run.ID, models.RunSucceeded, nil); err != nil {
			log.Printf("Error finishing study plan run %s: %v", run.ID, err)
		}
		return
	}

	msg := err.Error()
	status := models.RunPending
	if run.Attempts >= r.cfg.MaxAttempts {
		status = models.RunFailed
	}
	log.Printf("Study plan run %s attempt %d/%d failed: %v", run.ID, run.Attempts, r.cfg.MaxAttempts, err)
	if status == models.RunFailed {
		r.store.LogError("studyplan", run.UserID, fmt.Sprintf("Study plan run %s failed after %d attempts: %s", run.ID, run.Attempts, msg),
			"Check the LLM provider configuration and the llm_requests log, then force a re-run from the tutor dashboard.")
	}
	if err := r.store.FinishWorkflowRun(finishCtx, run.ID, status, &msg); err != nil {
		log.Printf("Error finishing study plan run %s: %v", run.ID, err)
	}
}
