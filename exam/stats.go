package exam

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/as-czyk/diagnostic-test/db"
)

// UpdateQuestionStats recomputes each question's observed correct rate and
// average time from stored results. This is a daily background job.
func UpdateQuestionStats(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	log.Println("Starting question stats calculation...")
	minStr, err := db.GetSetting(pool, "question_stats_min_samples")
	if err != nil {
		log.Printf("Warning: Could not get min samples setting, defaulting to 5: %v", err)
		minStr = "5"
	}
	minSamples, err := strconv.Atoi(minStr)
	if err != nil || minSamples < 1 {
		log.Printf("Warning: Invalid min samples setting '%s', defaulting to 5", minStr)
		minSamples = 5
	}

	tag, err := pool.Exec(ctx, `
		WITH answers AS (
			SELECT
				a->>'question_id' AS question_id,
				(a->>'is_correct')::boolean AS is_correct,
				(a->>'time_taken')::int AS time_taken
			FROM exam_results r, jsonb_array_elements(r.single_result) a
		),
		per_question AS (
			SELECT
				question_id,
				AVG(CASE WHEN is_correct THEN 1.0 ELSE 0.0 END)::float8 AS correct_rate,
				AVG(time_taken)::float8 AS avg_time
			FROM answers
			GROUP BY question_id
			HAVING COUNT(*) >= $1
		)
		UPDATE sat_questions q
		SET observed_correct_rate = pq.correct_rate,
			avg_time_seconds = pq.avg_time,
			stats_updated_at = NOW()
		FROM per_question pq
		WHERE q.id = pq.question_id
	`, minSamples)
	if err != nil {
		return 0, fmt.Errorf("failed to update question stats: %w", err)
	}

	log.Printf("Question stats calculation completed (%d questions).", tag.RowsAffected())
	return tag.RowsAffected(), nil
}
