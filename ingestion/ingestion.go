package ingestion

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/exam"
	"github.com/as-czyk/diagnostic-test/models"
	"github.com/as-czyk/diagnostic-test/utils"
)

const (
	sourceName = "ingestion"

	bankFile      = "bank.yaml"
	questionsFile = "questions.csv"

	// near-duplicate question texts within this edit distance are flagged, not rejected
	nearDuplicateDistance = 5
)

// csvHeaders is the fixed column layout of questions.csv.
var csvHeaders = []string{
	"section", "subtopic", "difficulty", "question_text", "image_url", "explanation",
	"choice_a", "choice_b", "choice_c", "choice_d", "correct_answer",
}

// optionalHeaders may follow csvHeaders in any order.
var optionalHeaders = []string{
	"choice_a_image_url", "choice_b_image_url", "choice_c_image_url", "choice_d_image_url",
}

// questionNamespace keeps question IDs stable across re-ingestion of the same bank version.
var questionNamespace = uuid.MustParse("6f1c7b1e-3c1a-4f4e-9a59-8e0d2f1c5b7a")

// ErrInvalidBank is returned when bank.yaml or questions.csv fails validation.
var ErrInvalidBank = errors.New("invalid question bank")

// RowError describes one validation failure in a bank file.
type RowError struct {
	File    string
	Line    int
	Field   string
	Message string
	Fix     string
}

func (e RowError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d %s: %s", e.File, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// Bank is a validated bank directory ready to load.
type Bank struct {
	Meta      models.BankYAML
	Weights   []map[string]float64 // parallel to Meta.Exams
	Questions []models.Question
	Warnings  []RowError
}

// ParseBankYAML validates bank.yaml. Every exam definition needs a known section,
// a title, a positive question count and subtopic weights summing to 1.0.
func ParseBankYAML(data []byte) (models.BankYAML, []map[string]float64, []RowError) {
	var meta models.BankYAML
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, nil, []RowError{{File: bankFile, Message: "Failed to parse bank.yaml", Fix: fmt.Sprintf("Ensure YAML format is correct: %v", err)}}
	}

	var errs []RowError
	if strings.TrimSpace(meta.BankVersion) == "" {
		errs = append(errs, RowError{File: bankFile, Field: "bank_version", Message: "Missing bank_version", Fix: "Provide a version like '2024.1'."})
	}
	if len(meta.Exams) == 0 {
		errs = append(errs, RowError{File: bankFile, Field: "exams", Message: "No exam definitions", Fix: "Define at least one exam per section."})
	}

	weights := make([]map[string]float64, len(meta.Exams))
	for i, def := range meta.Exams {
		field := fmt.Sprintf("exams[%d]", i)
		if !def.Section.Valid() {
			errs = append(errs, RowError{File: bankFile, Field: field + ".section", Message: fmt.Sprintf("Unknown section '%s'", def.Section), Fix: "Must be 'math' or 'verbal'."})
		}
		if strings.TrimSpace(def.Title) == "" {
			errs = append(errs, RowError{File: bankFile, Field: field + ".title", Message: "Missing title", Fix: "Every exam definition needs a title."})
		}
		if def.Questions <= 0 {
			errs = append(errs, RowError{File: bankFile, Field: field + ".questions", Message: "Invalid value", Fix: "Must be a positive integer."})
		}
		if def.Count < 0 {
			errs = append(errs, RowError{File: bankFile, Field: field + ".count", Message: "Invalid value", Fix: "Must be zero (defaults to one) or a positive integer."})
		}
		w, err := utils.ParseSubtopicWeights(def.Subtopics)
		if err != nil {
			errs = append(errs, RowError{File: bankFile, Field: field + ".subtopics", Message: "Invalid subtopic format or weights", Fix: fmt.Sprintf("Format: 'Name:Weight|Name:Weight'. Weights must sum to 1.0. Error: %v", err)})
			continue
		}
		weights[i] = w
	}
	return meta, weights, errs
}

// parseHeader checks the header row and returns the column names in order.
func parseHeader(row []string) ([]string, *RowError) {
	names := make([]string, len(row))
	for j, h := range row {
		names[j] = strings.TrimSpace(strings.ToLower(h))
	}
	for j, h := range csvHeaders {
		if j >= len(names) || names[j] != h {
			return nil, &RowError{File: questionsFile, Line: 1, Field: h, Message: "Unexpected header", Fix: "Header must start with: " + strings.Join(csvHeaders, ",")}
		}
	}
	seen := make(map[string]bool)
	for _, h := range names[len(csvHeaders):] {
		if !utils.ContainsString(optionalHeaders, h) || seen[h] {
			return nil, &RowError{File: questionsFile, Line: 1, Field: h, Message: "Unexpected header", Fix: "Optional columns are: " + strings.Join(optionalHeaders, ",")}
		}
		seen[h] = true
	}
	return names, nil
}

// validImageURL accepts an absent URL or an http(s) one.
func validImageURL(u *string) bool {
	return u == nil || strings.HasPrefix(*u, "http://") || strings.HasPrefix(*u, "https://")
}

// QuestionID derives the stable ID of a question from its bank version and text.
func QuestionID(bankVersion, text string) string {
	return uuid.NewSHA1(questionNamespace, []byte(bankVersion+"\x00"+text)).String()
}

// ParseQuestionsCSV validates questions.csv. The first row must be the header.
// Rows with errors are skipped and reported; near-duplicate texts are returned as warnings.
func ParseQuestionsCSV(r io.Reader, bankVersion string) (questions []models.Question, errs, warnings []RowError) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, []RowError{{File: questionsFile, Message: "Failed to read questions.csv", Fix: fmt.Sprintf("Ensure CSV format is correct: %v", err)}}, nil
	}
	if len(rows) < 2 {
		return nil, []RowError{{File: questionsFile, Message: "Insufficient rows in questions.csv", Fix: "A header row and at least one question row are required."}}, nil
	}
	header, herr := parseHeader(rows[0])
	if herr != nil {
		return nil, []RowError{*herr}, nil
	}

	seen := make(map[string]int) // question text -> line
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		lineNum := i + 1
		fail := func(field, msg, fix string) {
			errs = append(errs, RowError{File: questionsFile, Line: lineNum, Field: field, Message: msg, Fix: fix})
		}

		if len(row) != len(header) {
			fail("", "Incorrect column count", fmt.Sprintf("Expected %d columns, got %d", len(header), len(row)))
			continue
		}
		rowMap := make(map[string]string, len(header))
		for j, name := range header {
			rowMap[name] = strings.TrimSpace(row[j])
		}

		section := models.Section(strings.ToLower(rowMap["section"]))
		if !section.Valid() {
			fail("section", fmt.Sprintf("Unknown section '%s'", rowMap["section"]), "Must be 'math' or 'verbal'.")
			continue
		}
		qText := rowMap["question_text"]
		if qText == "" || rowMap["subtopic"] == "" {
			fail("question_text", "Missing required field", "question_text and subtopic are required for every question.")
			continue
		}
		difficulty, err := strconv.Atoi(rowMap["difficulty"])
		if err != nil || difficulty < 0 || difficulty > 5 {
			fail("difficulty", "Invalid value", "Must be an integer between 0 and 5.")
			continue
		}
		if prev, dup := seen[qText]; dup {
			fail("question_text", "Duplicate question text", fmt.Sprintf("Question text must be unique within a bank version (first seen on line %d).", prev))
			continue
		}

		var choices []models.Choice
		badChoiceImage := ""
		for _, letter := range []string{"a", "b", "c", "d"} {
			text := rowMap["choice_"+letter]
			img := utils.StringPtr(rowMap["choice_"+letter+"_image_url"])
			if text == "" {
				if img != nil {
					badChoiceImage = "choice_" + letter + "_image_url"
				}
				continue
			}
			if !validImageURL(img) {
				badChoiceImage = "choice_" + letter + "_image_url"
			}
			choices = append(choices, models.Choice{Value: strings.ToUpper(letter), Text: text, ImageURL: img})
		}
		if badChoiceImage != "" {
			fail(badChoiceImage, "Invalid choice image", "Must be a valid HTTP/S URL on a non-empty choice.")
			continue
		}
		if len(choices) < 2 {
			fail("choices", "Too few choices", "Provide at least choice_a and choice_b.")
			continue
		}

		q := models.Question{
			ID:            QuestionID(bankVersion, qText),
			Section:       section,
			Subtopic:      rowMap["subtopic"],
			Difficulty:    difficulty,
			Text:          qText,
			ImageURL:      utils.StringPtr(rowMap["image_url"]),
			Explanation:   utils.StringPtr(rowMap["explanation"]),
			Choices:       choices,
			CorrectAnswer: strings.ToUpper(rowMap["correct_answer"]),
			BankVersion:   bankVersion,
		}
		if !q.HasChoice(q.CorrectAnswer) {
			fail("correct_answer", fmt.Sprintf("Correct answer '%s' is not one of the choices", rowMap["correct_answer"]), "Must be the letter (A-D) of a non-empty choice.")
			continue
		}
		if !validImageURL(q.ImageURL) {
			fail("image_url", "Invalid image URL format", "Must be a valid HTTP/S URL.")
			continue
		}

		for _, other := range questions {
			if other.Section == q.Section && utils.LevenshteinDistance(other.Text, q.Text) <= nearDuplicateDistance {
				warnings = append(warnings, RowError{File: questionsFile, Line: lineNum, Field: "question_text",
					Message: "Near-duplicate question text", Fix: fmt.Sprintf("Compare with line %d; reword or remove one of them.", seen[other.Text])})
				break
			}
		}
		seen[qText] = lineNum
		questions = append(questions, q)
	}
	return questions, errs, warnings
}

// ReadBank reads and validates the bank directory at bankPath.
func ReadBank(bankPath string) (*Bank, []RowError) {
	data, err := os.ReadFile(filepath.Join(bankPath, bankFile))
	if err != nil {
		return nil, []RowError{{File: bankFile, Message: "Failed to read bank.yaml", Fix: fmt.Sprintf("Ensure file exists and is readable: %v", err)}}
	}
	meta, weights, errs := ParseBankYAML(data)
	if len(errs) > 0 {
		return nil, errs
	}

	f, err := os.Open(filepath.Join(bankPath, questionsFile))
	if err != nil {
		return nil, []RowError{{File: questionsFile, Message: "Failed to open questions.csv", Fix: fmt.Sprintf("Ensure file exists and is readable: %v", err)}}
	}
	defer f.Close()

	questions, errs, warnings := ParseQuestionsCSV(f, meta.BankVersion)
	if len(errs) > 0 {
		return nil, errs
	}
	return &Bank{Meta: meta, Weights: weights, Questions: questions, Warnings: warnings}, nil
}

// ProcessBank validates the bank directory, loads its questions in one
// transaction and regenerates the exams of every definition. Validation
// failures are written to error_logs and nothing is loaded.
func ProcessBank(ctx context.Context, pool *pgxpool.Pool, bankPath string) error {
	bank, errs := ReadBank(bankPath)
	for _, e := range errs {
		db.LogError(pool, sourceName, "", filepath.Join(bankPath, e.File), e.Line, e.Field, e.Message, e.Fix)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %d errors, first: %s", ErrInvalidBank, len(errs), errs[0])
	}
	version := bank.Meta.BankVersion
	for _, w := range bank.Warnings {
		log.Printf("Warning: %s", w)
		db.LogError(pool, sourceName, version, filepath.Join(bankPath, w.File), w.Line, w.Field, w.Message, w.Fix)
	}

	if err := loadQuestions(ctx, pool, version, bank.Questions); err != nil {
		db.LogError(pool, sourceName, version, "", 0, "", "Failed to load questions", fmt.Sprintf("Database error: %v", err))
		return err
	}
	log.Printf("Loaded %d questions for bank version %s", len(bank.Questions), version)

	for i, def := range bank.Meta.Exams {
		if _, err := exam.GenerateSectionExams(ctx, pool, version, def, bank.Weights[i]); err != nil {
			db.LogError(pool, sourceName, version, "", 0, "", "Failed to regenerate exams after ingestion", fmt.Sprintf("Exam: %s, Error: %v", def.Title, err))
			return fmt.Errorf("failed to generate %s exams: %w", def.Section, err)
		}
	}
	return nil
}

// loadQuestions upserts questions and drops questions of the same version
// that are no longer in the bank.
func loadQuestions(ctx context.Context, pool *pgxpool.Pool, version string, questions []models.Question) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(questions))
	for _, q := range questions {
		choicesJSON, err := json.Marshal(q.Choices)
		if err != nil {
			return fmt.Errorf("failed to marshal choices for question %s: %w", q.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sat_questions (id, section, subtopic, difficulty_level, question_text, image_url, explanation, choices, correct_answer, bank_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				section = EXCLUDED.section,
				subtopic = EXCLUDED.subtopic,
				difficulty_level = EXCLUDED.difficulty_level,
				image_url = EXCLUDED.image_url,
				explanation = EXCLUDED.explanation,
				choices = EXCLUDED.choices,
				correct_answer = EXCLUDED.correct_answer
		`, q.ID, q.Section, q.Subtopic, q.Difficulty, q.Text, q.ImageURL, q.Explanation, choicesJSON, q.CorrectAnswer, q.BankVersion)
		if err != nil {
			return fmt.Errorf("failed to insert/update question '%s': %w", q.Text, err)
		}
		ids = append(ids, q.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sat_questions WHERE bank_version = $1 AND id <> ALL($2)`, version, ids); err != nil {
		return fmt.Errorf("failed to remove stale questions for version %s: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ingestion transaction: %w", err)
	}
	return nil
}
