package db

import (
	"context"
	"fmt"
	"log"

	"github.com/as-czyk/diagnostic-test/models"
)

// userOrderColumns whitelists the sortable columns of the tutor user list.
var userOrderColumns = map[string]string{
	"created_at":    "u.created_at",
	"last_name":     "p.last_name",
	"email":         "p.email",
	"exam_date":     "p.exam_date",
	"desired_score": "p.desired_score",
}

// NormalizeUserFilter clamps paging and replaces unknown sort keys with defaults.
func NormalizeUserFilter(f models.UserFilter) models.UserFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 25
	}
	if _, ok := userOrderColumns[f.OrderBy]; !ok {
		f.OrderBy = "created_at"
	}
	if f.OrderDir != "asc" && f.OrderDir != "desc" {
		f.OrderDir = "desc"
	}
	return f
}

// ListUsers returns one page of users with their profile, section scores and plan status,
// and the total number of matching users.
func (s *Store) ListUsers(ctx context.Context, f models.UserFilter) ([]models.UserSummary, int, error) {
	f = NormalizeUserFilter(f)
	search := "%" + f.Search + "%"

	// Validated against userOrderColumns above
	query := fmt.Sprintf(`
		SELECT
			u.id, p.first_name, p.last_name, p.email, p.desired_score, p.exam_date,
			(mr.result->>'score')::int, (vr.result->>'score')::int,
			(SELECT status FROM workflow_runs w WHERE w.user_id = u.id ORDER BY w.created_at DESC LIMIT 1),
			u.created_at
		FROM users u
		LEFT JOIN user_profiles p ON p.user_id = u.id
		LEFT JOIN diagnostics d ON d.user_id = u.id
		LEFT JOIN exam_results mr ON mr.id = d.math_diagnostic_id
		LEFT JOIN exam_results vr ON vr.id = d.verbal_diagnostic_id
		WHERE ($1 = '%%%%' OR p.first_name ILIKE $1 OR p.last_name ILIKE $1 OR p.email ILIKE $1 OR u.id ILIKE $1)
		ORDER BY %s %s NULLS LAST
		LIMIT $2 OFFSET $3
	`, userOrderColumns[f.OrderBy], f.OrderDir)

	rows, err := s.pool.Query(ctx, query, search, f.PageSize, (f.Page-1)*f.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.UserSummary
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(
			&u.UserID, &u.FirstName, &u.LastName, &u.Email, &u.DesiredScore, &u.ExamDate,
			&u.MathScore, &u.VerbalScore, &u.PlanStatus, &u.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM users u
		LEFT JOIN user_profiles p ON p.user_id = u.id
		WHERE ($1 = '%%' OR p.first_name ILIKE $1 OR p.last_name ILIKE $1 OR p.email ILIKE $1 OR u.id ILIKE $1)
	`, search).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}
	return users, total, nil
}

// GetDashboardMetrics collects the tutor dashboard counters. Individual counter
// failures are logged and leave the counter at zero.
func (s *Store) GetDashboardMetrics(ctx context.Context) (models.DashboardMetrics, error) {
	var m models.DashboardMetrics
	counters := []struct {
		dst   *int
		query string
	}{
		{&m.TotalUsers, `SELECT COUNT(*) FROM users`},
		{&m.CompletedProfiles, `SELECT COUNT(*) FROM diagnostics WHERE user_profile_id IS NOT NULL`},
		{&m.CompletedMath, `SELECT COUNT(*) FROM diagnostics WHERE math_diagnostic_id IS NOT NULL`},
		{&m.CompletedVerbal, `SELECT COUNT(*) FROM diagnostics WHERE verbal_diagnostic_id IS NOT NULL`},
		{&m.CompletedBoth, `SELECT COUNT(*) FROM diagnostics WHERE math_diagnostic_id IS NOT NULL AND verbal_diagnostic_id IS NOT NULL`},
		{&m.StudyPlans, `SELECT COUNT(*) FROM study_plans`},
		{&m.FailedRuns, `SELECT COUNT(*) FROM workflow_runs WHERE status = 'failed'`},
		{&m.ValidationFailures, `SELECT COUNT(*) FROM error_logs WHERE source = 'ingestion'`},
	}
	for _, c := range counters {
		if err := s.pool.QueryRow(ctx, c.query).Scan(c.dst); err != nil {
			log.Printf("Error reading dashboard counter (%s): %v", c.query, err)
		}
	}

	events, err := s.ListAdminEvents(ctx, 5)
	if err != nil {
		return m, err
	}
	m.RecentEvents = events
	return m, nil
}

// ListAdminEvents returns the newest admin events.
func (s *Store) ListAdminEvents(ctx context.Context, limit int) ([]models.AdminEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, timestamp, COALESCE(action, ''), COALESCE(actor, ''), COALESCE(target, ''), COALESCE(notes, '')
		FROM admin_events ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query admin events: %w", err)
	}
	defer rows.Close()

	var events []models.AdminEvent
	for rows.Next() {
		var ae models.AdminEvent
		if err := rows.Scan(&ae.ID, &ae.Timestamp, &ae.Action, &ae.Actor, &ae.Target, &ae.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan admin event: %w", err)
		}
		events = append(events, ae)
	}
	return events, rows.Err()
}

// ListErrorLogs returns error log entries matching search (scope or message) and source.
func (s *Store) ListErrorLogs(ctx context.Context, search, source string, limit int) ([]models.ErrorLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, timestamp, source, scope, file_path, line_number, field_name, error_message, suggested_fix
		FROM error_logs
		WHERE (COALESCE(scope, '') ILIKE $1 OR error_message ILIKE $1)
		AND ($2 = '' OR source = $2)
		ORDER BY timestamp DESC
		LIMIT $3
	`, "%"+search+"%", source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error logs: %w", err)
	}
	defer rows.Close()

	var logs []models.ErrorLog
	for rows.Next() {
		var e models.ErrorLog
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.Source, &e.Scope,
			&e.FilePath, &e.LineNumber, &e.FieldName, &e.ErrorMessage, &e.SuggestedFix,
		); err != nil {
			return nil, fmt.Errorf("failed to scan error log row: %w", err)
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// ListQuestionStats returns the bank questions with their observed statistics,
// hardest (lowest observed correct rate) first.
func (s *Store) ListQuestionStats(ctx context.Context, search string, section models.Section) ([]models.QuestionStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, section, subtopic, difficulty_level, question_text, observed_correct_rate, avg_time_seconds
		FROM sat_questions
		WHERE (question_text ILIKE $1 OR subtopic ILIKE $1)
		AND ($2 = '' OR section = $2)
		ORDER BY observed_correct_rate ASC NULLS LAST, id
	`, "%"+search+"%", string(section))
	if err != nil {
		return nil, fmt.Errorf("failed to query question stats: %w", err)
	}
	defer rows.Close()

	var stats []models.QuestionStat
	for rows.Next() {
		var qs models.QuestionStat
		if err := rows.Scan(&qs.QuestionID, &qs.Section, &qs.Subtopic, &qs.Difficulty, &qs.Text,
			&qs.ObservedCorrectRate, &qs.AvgTimeSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan question stats row: %w", err)
		}
		stats = append(stats, qs)
	}
	return stats, rows.Err()
}

// ListSettings returns every setting ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, description FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		var st models.Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.Description); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

// UpdateSettings writes all updates in one transaction. Unknown keys fail the whole update.
func (s *Store) UpdateSettings(ctx context.Context, actor string, updates map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction for settings update: %w", err)
	}
	defer tx.Rollback(ctx)

	for key, value := range updates {
		res, err := tx.Exec(ctx, `
			UPDATE settings SET value = $1, updated_at = NOW(), updated_by = $2 WHERE key = $3
		`, value, actor, key)
		if err != nil {
			return fmt.Errorf("failed to update setting %s: %w", key, err)
		}
		if res.RowsAffected() == 0 {
			return fmt.Errorf("setting %s: %w", key, ErrNotFound)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settings updates: %w", err)
	}
	for key, value := range updates {
		LogAdminEvent(s.pool, actor, "update_setting", key, fmt.Sprintf("Set to: %s", value))
	}
	return nil
}
