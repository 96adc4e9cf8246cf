package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/as-czyk/diagnostic-test/models"
)

// Store is the pgx-backed persistence used by the student flow and the tutor pages.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for the logging helpers.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const examColumns = `
	SELECT e.id, e.section, e.title, e.bank_version, e.subtopic_weights, e.created_at,
		COALESCE(array_agg(eq.question_id ORDER BY eq.question_order) FILTER (WHERE eq.question_id IS NOT NULL), '{}')
	FROM exams e
	LEFT JOIN exam_questions eq ON eq.exam_id = e.id
`

func scanExam(row pgx.Row) (*models.Exam, error) {
	var e models.Exam
	if err := row.Scan(&e.ID, &e.Section, &e.Title, &e.BankVersion, &e.Weights, &e.CreatedAt, &e.QuestionIDs); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetExam fetches an exam with its ordered question IDs.
func (s *Store) GetExam(ctx context.Context, examID string) (*models.Exam, error) {
	e, err := scanExam(s.pool.QueryRow(ctx, examColumns+` WHERE e.id = $1 GROUP BY e.id`, examID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("exam %s: %w", examID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exam %s: %w", examID, err)
	}
	return e, nil
}

// ListExamsBySection returns the exams of the newest bank version for section, ordered by title.
func (s *Store) ListExamsBySection(ctx context.Context, section models.Section) ([]models.Exam, error) {
	rows, err := s.pool.Query(ctx, examColumns+`
		WHERE e.section = $1
		AND e.bank_version = (SELECT bank_version FROM exams WHERE section = $1 ORDER BY created_at DESC LIMIT 1)
		GROUP BY e.id
		ORDER BY e.title
	`, section)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s exams: %w", section, err)
	}
	defer rows.Close()

	var exams []models.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exam row: %w", err)
		}
		exams = append(exams, *e)
	}
	return exams, rows.Err()
}

// GetQuestion fetches one bank question including its correct answer.
func (s *Store) GetQuestion(ctx context.Context, questionID string) (*models.Question, error) {
	var q models.Question
	err := s.pool.QueryRow(ctx, `
		SELECT id, section, subtopic, difficulty_level, question_text, image_url, explanation,
			choices, correct_answer, bank_version, observed_correct_rate, avg_time_seconds
		FROM sat_questions WHERE id = $1
	`, questionID).Scan(
		&q.ID, &q.Section, &q.Subtopic, &q.Difficulty, &q.Text, &q.ImageURL, &q.Explanation,
		&q.Choices, &q.CorrectAnswer, &q.BankVersion, &q.ObservedCorrectRate, &q.AvgTimeSeconds,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch question %s: %w", questionID, err)
	}
	return &q, nil
}

// CreateExamResult stores a completed section and returns the new result ID.
func (s *Store) CreateExamResult(ctx context.Context, result models.ExamResult) (string, error) {
	id := result.ID
	if id == "" {
		id = uuid.NewString()
	}
	records := result.Records
	if records == nil {
		records = []models.AnswerRecord{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO exam_results (id, user_id, exam_id, section, single_result, result)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, id, result.UserID, result.ExamID, result.Section, records, result.Summary).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert exam result for user %s: %w", result.UserID, err)
	}
	return id, nil
}

// GetExamResult fetches a stored result set.
func (s *Store) GetExamResult(ctx context.Context, resultID string) (*models.ExamResult, error) {
	var r models.ExamResult
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, exam_id, section, single_result, result, created_at
		FROM exam_results WHERE id = $1
	`, resultID).Scan(&r.ID, &r.UserID, &r.ExamID, &r.Section, &r.Records, &r.Summary, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("exam result %s: %w", resultID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exam result %s: %w", resultID, err)
	}
	return &r, nil
}

// ListExamResultsForUser returns every stored result of a user, newest first.
func (s *Store) ListExamResultsForUser(ctx context.Context, userID string) ([]models.ExamResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, exam_id, section, single_result, result, created_at
		FROM exam_results WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exam results for user %s: %w", userID, err)
	}
	defer rows.Close()

	var results []models.ExamResult
	for rows.Next() {
		var r models.ExamResult
		if err := rows.Scan(&r.ID, &r.UserID, &r.ExamID, &r.Section, &r.Records, &r.Summary, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exam result row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateAnonymousUser creates a user and its empty diagnostic in one transaction.
func (s *Store) CreateAnonymousUser(ctx context.Context) (string, error) {
	userID := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO users (id, is_anonymous) VALUES ($1, TRUE)`, userID); err != nil {
		return "", fmt.Errorf("failed to insert user: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO diagnostics (id, user_id) VALUES ($1, $2)`, uuid.NewString(), userID); err != nil {
		return "", fmt.Errorf("failed to insert diagnostic: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit user creation: %w", err)
	}
	return userID, nil
}

// UserExists reports whether userID has a users row.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user %s: %w", userID, err)
	}
	return exists, nil
}

// UpsertProfile saves the profile of a user and links it to the user's diagnostic.
func (s *Store) UpsertProfile(ctx context.Context, p models.UserProfile) (*models.UserProfile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO user_profiles (id, user_id, first_name, last_name, email, exam_date, desired_score, motivation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			exam_date = EXCLUDED.exam_date,
			desired_score = EXCLUDED.desired_score,
			motivation = EXCLUDED.motivation,
			updated_at = NOW()
		RETURNING id, created_at
	`, uuid.NewString(), p.UserID, p.FirstName, p.LastName, p.Email, p.ExamDate, p.DesiredScore, p.Motivation).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile for user %s: %w", p.UserID, err)
	}

	if err := upsertDiagnostic(ctx, tx, p.UserID, models.DiagnosticPatch{UserProfileID: &p.ID}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit profile: %w", err)
	}
	return &p, nil
}

// GetProfile fetches the profile of a user.
func (s *Store) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, first_name, last_name, email, exam_date, desired_score, motivation, created_at
		FROM user_profiles WHERE user_id = $1
	`, userID).Scan(&p.ID, &p.UserID, &p.FirstName, &p.LastName, &p.Email, &p.ExamDate, &p.DesiredScore, &p.Motivation, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile of user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile of user %s: %w", userID, err)
	}
	return &p, nil
}

// GetDiagnostic fetches the diagnostic record of a user.
func (s *Store) GetDiagnostic(ctx context.Context, userID string) (*models.Diagnostic, error) {
	var d models.Diagnostic
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, user_profile_id, math_diagnostic_id, verbal_diagnostic_id, created_at
		FROM diagnostics WHERE user_id = $1
	`, userID).Scan(&d.ID, &d.UserID, &d.UserProfileID, &d.MathResultID, &d.VerbalResultID, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("diagnostic of user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch diagnostic of user %s: %w", userID, err)
	}
	return &d, nil
}

// GetDiagnosticStatus derives the completion flags of a user's diagnostic.
// A user without a diagnostic row has nothing completed.
func (s *Store) GetDiagnosticStatus(ctx context.Context, userID string) (models.DiagnosticStatus, error) {
	d, err := s.GetDiagnostic(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return models.DiagnosticStatus{}, nil
	}
	if err != nil {
		return models.DiagnosticStatus{}, err
	}
	return d.Status(), nil
}

// UpdateDiagnostic sets the non-nil references of patch, creating the diagnostic if needed.
func (s *Store) UpdateDiagnostic(ctx context.Context, userID string, patch models.DiagnosticPatch) error {
	return upsertDiagnostic(ctx, s.pool, userID, patch)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsertDiagnostic(ctx context.Context, q querier, userID string, patch models.DiagnosticPatch) error {
	_, err := q.Exec(ctx, `
		INSERT INTO diagnostics (id, user_id, user_profile_id, math_diagnostic_id, verbal_diagnostic_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			user_profile_id = COALESCE(EXCLUDED.user_profile_id, diagnostics.user_profile_id),
			math_diagnostic_id = COALESCE(EXCLUDED.math_diagnostic_id, diagnostics.math_diagnostic_id),
			verbal_diagnostic_id = COALESCE(EXCLUDED.verbal_diagnostic_id, diagnostics.verbal_diagnostic_id),
			updated_at = NOW()
	`, uuid.NewString(), userID, patch.UserProfileID, patch.MathResultID, patch.VerbalResultID)
	if err != nil {
		return fmt.Errorf("failed to update diagnostic of user %s: %w", userID, err)
	}
	return nil
}

// LogError records an operational error against the store's pool.
func (s *Store) LogError(source, scope, errMsg, fixSug string) {
	LogError(s.pool, source, scope, "", 0, "", errMsg, fixSug)
}

// LogAdminEvent records a tutor or system action against the store's pool.
func (s *Store) LogAdminEvent(actor, action, target, notes string) {
	LogAdminEvent(s.pool, actor, action, target, notes)
}
