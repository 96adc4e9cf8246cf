package exam

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/models"
	"github.com/as-czyk/diagnostic-test/utils"
)

// GenerateSectionExams replaces the exams of one section and bank version
// with def.Count freshly assembled exams. It returns the new exam IDs.
func GenerateSectionExams(ctx context.Context, pool *pgxpool.Pool, bankVersion string, def models.BankExamDef, weights map[string]float64) ([]string, error) {
	log.Printf("Starting exam generation for section: %s, Version: %s", def.Section, bankVersion)
	questions, err := GetQuestionsBySection(ctx, pool, def.Section, bankVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to get questions for exam generation: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("no questions available for section %s and version %s", def.Section, bankVersion)
	}

	plan, err := PlanSectionExam(questions, def.Questions, weights)
	if err != nil {
		return nil, fmt.Errorf("failed to plan %s exam: %w", def.Section, err)
	}
	log.Printf("Generated Exam Plan: QuestionsPerExam=%d, PerSubtopicPerExam=%v", plan.QuestionsPerExam, plan.PerSubtopicPerExam)

	weightsJSON, err := json.Marshal(weights)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subtopic weights: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM exams WHERE section = $1 AND bank_version = $2 AND title LIKE $3::text || '%'`, def.Section, bankVersion, def.Title); err != nil {
		return nil, fmt.Errorf("failed to clear existing %s exams for version %s: %w", def.Section, bankVersion, err)
	}

	count := def.Count
	if count < 1 {
		count = 1
	}
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		title := def.Title
		if count > 1 {
			title = fmt.Sprintf("%s %d", def.Title, i+1)
		}
		seed := ExamSeed(bankVersion, def.Section, def.Title, i)
		log.Printf("Generating exam '%s' with seed %d", title, seed)

		selected, err := SelectQuestions(questions, plan.PerSubtopicPerExam, seed)
		if err != nil {
			db.LogError(pool, "exam_generation", string(def.Section), "", 0, "", "Failed to select questions for exam", fmt.Sprintf("Exam: %s, Error: %v", title, err))
			return nil, fmt.Errorf("failed to select questions for exam %s: %w", title, err)
		}

		examID := uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO exams (id, section, title, bank_version, subtopic_weights)
			VALUES ($1, $2, $3, $4, $5)
		`, examID, def.Section, title, bankVersion, weightsJSON); err != nil {
			db.LogError(pool, "exam_generation", string(def.Section), "", 0, "", "Failed to insert exam", fmt.Sprintf("Exam: %s, Error: %v", title, err))
			return nil, fmt.Errorf("failed to insert exam %s: %w", title, err)
		}
		for order, q := range selected {
			if _, err := tx.Exec(ctx, `
				INSERT INTO exam_questions (exam_id, question_id, question_order)
				VALUES ($1, $2, $3)
			`, examID, q.ID, order+1); err != nil {
				return nil, fmt.Errorf("failed to insert exam question %s for exam %s: %w", q.ID, examID, err)
			}
		}
		ids = append(ids, examID)
		log.Printf("Successfully generated exam '%s' with %d questions.", title, len(selected))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit %s exams: %w", def.Section, err)
	}
	return ids, nil
}

// ExamSeed derives a deterministic shuffle seed for the index-th exam of a definition.
func ExamSeed(bankVersion string, section models.Section, title string, index int) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%d", bankVersion, section, title, index)))
	return utils.BytesToInt(sum[:])
}

// PlanSectionExam splits questionsPerExam across subtopics by weight. Every
// subtopic with a positive weight gets at least one question; rounding drift
// is absorbed by the heaviest subtopics that still have questions to spare.
func PlanSectionExam(questions []models.Question, questionsPerExam int, weights map[string]float64) (models.ExamPlan, error) {
	if questionsPerExam <= 0 {
		return models.ExamPlan{}, fmt.Errorf("questions per exam must be positive, got %d", questionsPerExam)
	}
	available := make(map[string]int)
	for _, q := range questions {
		available[q.Subtopic]++
	}

	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if weights[names[i]] != weights[names[j]] {
			return weights[names[i]] > weights[names[j]]
		}
		return names[i] < names[j]
	})

	per := make(map[string]int)
	total := 0
	for _, name := range names {
		required := int(math.Round(float64(questionsPerExam) * weights[name]))
		if required == 0 && weights[name] > 0 {
			required = 1
		}
		if available[name] < required {
			return models.ExamPlan{}, fmt.Errorf("not enough questions in subtopic '%s' (available: %d, required: %d)", name, available[name], required)
		}
		per[name] = required
		total += required
	}

	for total != questionsPerExam {
		changed := false
		for _, name := range names {
			if total < questionsPerExam && per[name] < available[name] {
				per[name]++
				total++
				changed = true
			} else if total > questionsPerExam && per[name] > 1 {
				per[name]--
				total--
				changed = true
			}
			if total == questionsPerExam {
				break
			}
		}
		if !changed {
			return models.ExamPlan{}, fmt.Errorf("cannot fit %d questions to subtopic weights with the available bank", questionsPerExam)
		}
	}

	return models.ExamPlan{QuestionsPerExam: total, PerSubtopicPerExam: per}, nil
}

// SelectQuestions picks the planned number of questions per subtopic without
// reuse and shuffles the result. The same seed yields the same exam.
func SelectQuestions(all []models.Question, perSubtopic map[string]int, seed int64) ([]models.Question, error) {
	bySubtopic := make(map[string][]models.Question)
	for _, q := range all {
		bySubtopic[q.Subtopic] = append(bySubtopic[q.Subtopic], q)
	}

	names := make([]string, 0, len(perSubtopic))
	for name := range perSubtopic {
		names = append(names, name)
	}
	sort.Strings(names)

	r := rand.New(rand.NewSource(seed))
	selected := make([]models.Question, 0)
	for _, name := range names {
		count := perSubtopic[name]
		pool := append([]models.Question(nil), bySubtopic[name]...)
		sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
		if len(pool) < count {
			return nil, fmt.Errorf("not enough unique questions in subtopic '%s' (available: %d, required: %d)", name, len(pool), count)
		}
		r.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		selected = append(selected, pool[:count]...)
	}

	r.Shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })
	return selected, nil
}

// GetQuestionsBySection fetches the questions of a section and bank version.
func GetQuestionsBySection(ctx context.Context, pool *pgxpool.Pool, section models.Section, bankVersion string) ([]models.Question, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, section, subtopic, difficulty_level
		FROM sat_questions
		WHERE section = $1 AND bank_version = $2
	`, section, bankVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s questions, version %s: %w", section, bankVersion, err)
	}
	defer rows.Close()

	var questions []models.Question
	for rows.Next() {
		var q models.Question
		if err := rows.Scan(&q.ID, &q.Section, &q.Subtopic, &q.Difficulty); err != nil {
			return nil, fmt.Errorf("failed to scan question row: %w", err)
		}
		q.BankVersion = bankVersion
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
