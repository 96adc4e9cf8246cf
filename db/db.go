package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// InitDB initializes the PostgreSQL database connection pool
func InitDB(connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Ping the database to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL database!")
	return pool, nil
}

// CreateSchema sets up the tables of the diagnostic server.
func CreateSchema(pool *pgxpool.Pool) error {
	schemaSQL := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		is_anonymous BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_profiles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		email TEXT NOT NULL,
		exam_date DATE NOT NULL,
		desired_score INT NOT NULL CHECK (desired_score BETWEEN 400 AND 1600),
		motivation TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sat_questions (
		id TEXT PRIMARY KEY,
		section VARCHAR(16) NOT NULL CHECK (section IN ('math', 'verbal')),
		subtopic TEXT NOT NULL,
		difficulty_level INT NOT NULL CHECK (difficulty_level BETWEEN 0 AND 5),
		question_text TEXT NOT NULL,
		image_url TEXT,
		explanation TEXT,
		choices JSONB NOT NULL,
		correct_answer CHAR(1) NOT NULL CHECK (correct_answer IN ('A', 'B', 'C', 'D')),
		bank_version VARCHAR(50) NOT NULL,
		observed_correct_rate FLOAT,
		avg_time_seconds FLOAT,
		stats_updated_at TIMESTAMP WITH TIME ZONE,
		UNIQUE (question_text, bank_version)
	);

	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		section VARCHAR(16) NOT NULL CHECK (section IN ('math', 'verbal')),
		title TEXT NOT NULL,
		bank_version VARCHAR(50) NOT NULL,
		subtopic_weights JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS exam_questions (
		exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		question_id TEXT NOT NULL REFERENCES sat_questions(id) ON DELETE CASCADE,
		question_order INT NOT NULL,
		PRIMARY KEY (exam_id, question_order),
		UNIQUE (exam_id, question_id)
	);

	CREATE TABLE IF NOT EXISTS exam_results (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		exam_id TEXT NOT NULL, -- exams may be regenerated; results keep their copy of the answers
		section VARCHAR(16) NOT NULL,
		single_result JSONB NOT NULL,
		result JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS exam_results_user_idx ON exam_results (user_id);

	CREATE TABLE IF NOT EXISTS diagnostics (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		user_profile_id TEXT REFERENCES user_profiles(id) ON DELETE SET NULL,
		math_diagnostic_id TEXT REFERENCES exam_results(id) ON DELETE SET NULL,
		verbal_diagnostic_id TEXT REFERENCES exam_results(id) ON DELETE SET NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS study_plans (
		user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		markdown TEXT NOT NULL,
		html TEXT NOT NULL,
		pdf_key TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'running', 'succeeded', 'failed')),
		stage VARCHAR(32) NOT NULL DEFAULT '',
		error TEXT,
		attempts INT NOT NULL DEFAULT 0,
		student_name TEXT NOT NULL,
		exam_date DATE NOT NULL,
		target_score INT NOT NULL,
		math_result_id TEXT NOT NULL,
		verbal_result_id TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS workflow_runs_status_idx ON workflow_runs (status);
	CREATE INDEX IF NOT EXISTS workflow_runs_user_idx ON workflow_runs (user_id);

	CREATE TABLE IF NOT EXISTS llm_requests (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		purpose TEXT NOT NULL,
		model TEXT NOT NULL,
		latency_ms BIGINT NOT NULL,
		input_tokens INT NOT NULL DEFAULT 0,
		output_tokens INT NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		request_body TEXT,
		response_body TEXT
	);

	CREATE TABLE IF NOT EXISTS error_logs (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		source TEXT NOT NULL, -- e.g., "ingestion", "exam_generation", "handoff", "studyplan"
		scope VARCHAR(255),   -- section, user id or bank version the error belongs to
		file_path TEXT,
		line_number INT,
		field_name TEXT,
		error_message TEXT NOT NULL,
		suggested_fix TEXT
	);

	CREATE TABLE IF NOT EXISTS admin_events (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		action VARCHAR(255),
		actor VARCHAR(255), -- tutor username or 'system'
		target TEXT,
		notes TEXT
	);

	CREATE TABLE IF NOT EXISTS settings (
		key VARCHAR(255) PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		updated_by VARCHAR(255)
	);
	`
	_, err := pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("error executing schema SQL: %w", err)
	}

	// Insert default settings if not already present
	defaultSettings := map[string]string{
		"question_stats_min_samples": "5",
		"studyplan_max_attempts":     "3",
	}

	for key, value := range defaultSettings {
		_, err := pool.Exec(context.Background(), `
			INSERT INTO settings (key, value, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING;
		`, key, value, fmt.Sprintf("Default setting for %s", key))
		if err != nil {
			log.Printf("Warning: Failed to insert default setting %s: %v", key, err)
		}
	}

	return nil
}

// LogError adds an entry to the error_logs table
func LogError(pool *pgxpool.Pool, source, scope, filePath string, lineNumber int, fieldName, errMsg, fixSug string) {
	_, err := pool.Exec(context.Background(), `
		INSERT INTO error_logs (source, scope, file_path, line_number, field_name, error_message, suggested_fix)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, source, nullIfEmpty(scope), nullIfEmpty(filePath), nullIfZero(lineNumber), nullIfEmpty(fieldName), errMsg, nullIfEmpty(fixSug))
	if err != nil {
		log.Printf("ERROR: Failed to log error to database: %v. Original error: %s", err, errMsg)
	}
}

// LogAdminEvent adds an entry to the admin_events table
func LogAdminEvent(pool *pgxpool.Pool, actor, action, target, notes string) {
	_, err := pool.Exec(context.Background(), `
		INSERT INTO admin_events (action, actor, target, notes)
		VALUES ($1, $2, $3, $4)
	`, action, actor, target, notes)
	if err != nil {
		log.Printf("ERROR: Failed to log admin event to database: %v. Event: %s by %s on %s", err, action, actor, target)
	}
}

// GetSetting fetches a setting value from the settings table
func GetSetting(pool *pgxpool.Pool, key string) (string, error) {
	var value string
	err := pool.QueryRow(context.Background(), "SELECT value FROM settings WHERE key = $1", key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("setting %s not found: %w", key, err)
	}
	return value, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
