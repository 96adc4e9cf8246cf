package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/as-czyk/diagnostic-test/models"
)

const runColumns = `
	SELECT id, user_id, status, stage, error, attempts, student_name, exam_date, target_score,
		math_result_id, verbal_result_id, created_at, updated_at
	FROM workflow_runs
`

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	var r models.WorkflowRun
	err := row.Scan(&r.ID, &r.UserID, &r.Status, &r.Stage, &r.Error, &r.Attempts, &r.StudentName, &r.ExamDate,
		&r.TargetScore, &r.MathResultID, &r.VerbalResultID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateWorkflowRun enqueues a pending run for run.UserID. Unless force is set, a user
// that already has a pending, running or succeeded run gets that run back and
// created is false.
func (s *Store) CreateWorkflowRun(ctx context.Context, run models.WorkflowRun, force bool) (id string, created bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent triggers of the same user.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, run.UserID); err != nil {
		return "", false, fmt.Errorf("failed to lock workflow runs of user %s: %w", run.UserID, err)
	}

	if !force {
		var existing string
		err := tx.QueryRow(ctx, `
			SELECT id FROM workflow_runs
			WHERE user_id = $1 AND status IN ('pending', 'running', 'succeeded')
			ORDER BY created_at DESC LIMIT 1
		`, run.UserID).Scan(&existing)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("failed to check existing runs of user %s: %w", run.UserID, err)
		}
	}

	id = uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_runs (id, user_id, status, student_name, exam_date, target_score, math_result_id, verbal_result_id)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7)
	`, id, run.UserID, run.StudentName, run.ExamDate, run.TargetScore, run.MathResultID, run.VerbalResultID)
	if err != nil {
		return "", false, fmt.Errorf("failed to insert workflow run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("failed to commit workflow run: %w", err)
	}
	return id, true, nil
}

// ClaimWorkflowRun moves a pending run to running and counts the attempt.
// ErrNotFound means the run does not exist or another worker holds it.
func (s *Store) ClaimWorkflowRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE workflow_runs SET status = 'running', attempts = attempts + 1, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id, user_id, status, stage, error, attempts, student_name, exam_date, target_score,
			math_result_id, verbal_result_id, created_at, updated_at
	`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claimable run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim run %s: %w", runID, err)
	}
	return r, nil
}

// UpdateWorkflowStage records the stage a running run has reached.
func (s *Store) UpdateWorkflowStage(ctx context.Context, runID, stage string) error {
	_, err := s.pool.Exec(ctx, `UPDATE workflow_runs SET stage = $2, updated_at = NOW() WHERE id = $1`, runID, stage)
	if err != nil {
		return fmt.Errorf("failed to update stage of run %s: %w", runID, err)
	}
	return nil
}

// FinishWorkflowRun sets the final or retry status of a run. status is one of
// pending (retry), succeeded or failed.
func (s *Store) FinishWorkflowRun(ctx context.Context, runID, status string, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET status = $2, error = $3, updated_at = NOW() WHERE id = $1
	`, runID, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// ListPendingWorkflowRuns returns the IDs of the oldest pending runs.
func (s *Store) ListPendingWorkflowRuns(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM workflow_runs WHERE status = 'pending' ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequeueStaleWorkflowRuns returns runs stuck in running for longer than olderThan to pending.
func (s *Store) RequeueStaleWorkflowRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET status = 'pending', updated_at = NOW()
		WHERE status = 'running' AND updated_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale runs: %w", err)
	}
	return res.RowsAffected(), nil
}

// GetWorkflowRun fetches one run.
func (s *Store) GetWorkflowRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, runColumns+` WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", runID, err)
	}
	return r, nil
}

// LatestWorkflowRun fetches the newest run of a user.
func (s *Store) LatestWorkflowRun(ctx context.Context, userID string) (*models.WorkflowRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, runColumns+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run of user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest run of user %s: %w", userID, err)
	}
	return r, nil
}

// ListWorkflowRuns returns the newest runs, optionally filtered by status.
func (s *Store) ListWorkflowRuns(ctx context.Context, status string, limit int) ([]models.WorkflowRun, error) {
	rows, err := s.pool.Query(ctx, runColumns+`
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// UpsertStudyPlan stores the output of a successful run, replacing an older plan.
func (s *Store) UpsertStudyPlan(ctx context.Context, plan models.StudyPlan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO study_plans (user_id, markdown, html, pdf_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			markdown = EXCLUDED.markdown,
			html = EXCLUDED.html,
			pdf_key = EXCLUDED.pdf_key,
			created_at = NOW()
	`, plan.UserID, plan.Markdown, plan.HTML, plan.PDFKey)
	if err != nil {
		return fmt.Errorf("failed to store study plan of user %s: %w", plan.UserID, err)
	}
	return nil
}

// GetStudyPlan fetches the stored plan of a user.
func (s *Store) GetStudyPlan(ctx context.Context, userID string) (*models.StudyPlan, error) {
	var p models.StudyPlan
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, markdown, html, pdf_key, created_at FROM study_plans WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Markdown, &p.HTML, &p.PDFKey, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("study plan of user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch study plan of user %s: %w", userID, err)
	}
	return &p, nil
}

// AppendLLMRequest records one provider call.
func (s *Store) AppendLLMRequest(ctx context.Context, e models.LLMRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO llm_requests (purpose, model, latency_ms, input_tokens, output_tokens, success, error_message, request_body, response_body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.Purpose, e.Model, e.LatencyMs, e.InputTokens, e.OutputTokens, e.Success,
		nullIfEmpty(e.ErrorMessage), nullIfEmpty(e.RequestBody), nullIfEmpty(e.ResponseBody))
	if err != nil {
		return fmt.Errorf("failed to record llm request: %w", err)
	}
	return nil
}
