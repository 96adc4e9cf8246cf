package exam

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/as-czyk/diagnostic-test/models"
)

const (
	minSectionScore = 200
	maxSectionScore = 800

	unavailableText   = "Question content unavailable"
	unavailableAnswer = "Unknown"
)

// Outcomes of a single answer record.
const (
	OutcomeCorrect   = "correct"
	OutcomeIncorrect = "incorrect"
	OutcomeSkipped   = "skipped"
)

// ScaledSectionScore maps correct answers onto the 200-800 section scale,
// rounded to the nearest 10.
func ScaledSectionScore(correct, total int) int {
	if total <= 0 {
		return minSectionScore
	}
	if correct < 0 {
		correct = 0
	}
	if correct > total {
		correct = total
	}
	raw := minSectionScore + float64(correct)/float64(total)*(maxSectionScore-minSectionScore)
	return int(math.Round(raw/10) * 10)
}

// CompositeScore is the 400-1600 total of both sections.
func CompositeScore(math, verbal int) int {
	return math + verbal
}

// DifficultyBand maps a 0-5 difficulty level to easy, medium or hard.
func DifficultyBand(level int) string {
	switch {
	case level <= 1:
		return "easy"
	case level <= 3:
		return "medium"
	default:
		return "hard"
	}
}

// Outcome classifies a record.
func Outcome(r models.AnswerRecord) string {
	switch {
	case r.UserAnswer == nil:
		return OutcomeSkipped
	case r.IsCorrect:
		return OutcomeCorrect
	default:
		return OutcomeIncorrect
	}
}

// Summarize scores records. Subtopics come from questions and keep first-seen order;
// records whose question is unknown count under "Other".
func Summarize(records []models.AnswerRecord, questions map[string]*models.Question, completedAt time.Time) models.ResultSummary {
	s := models.ResultSummary{
		TotalQuestions: len(records),
		CompletedAt:    completedAt,
		Sections:       []models.SubtopicScore{},
	}
	idx := make(map[string]int)
	for _, r := range records {
		s.TimeSpentSeconds += r.TimeTaken
		switch Outcome(r) {
		case OutcomeCorrect:
			s.CorrectAnswers++
		case OutcomeIncorrect:
			s.IncorrectAnswers++
		case OutcomeSkipped:
			s.SkippedQuestions++
		}

		name := "Other"
		if q, ok := questions[r.QuestionID]; ok && q.Subtopic != "" {
			name = q.Subtopic
		}
		i, ok := idx[name]
		if !ok {
			i = len(s.Sections)
			idx[name] = i
			s.Sections = append(s.Sections, models.SubtopicScore{Name: name})
		}
		s.Sections[i].Total++
		if r.IsCorrect {
			s.Sections[i].Correct++
		}
	}
	s.Score = ScaledSectionScore(s.CorrectAnswers, s.TotalQuestions)
	return s
}

// QuestionSource fetches bank questions by ID.
type QuestionSource interface {
	GetQuestion(ctx context.Context, questionID string) (*models.Question, error)
}

// PreparedQuestion is one answered question joined with its bank content.
type PreparedQuestion struct {
	Number        int     `json:"number"`
	QuestionID    string  `json:"question_id"`
	Subtopic      string  `json:"subtopic"`
	Difficulty    string  `json:"difficulty"`
	Text          string  `json:"question_text"`
	UserAnswer    *string `json:"user_answer"`
	CorrectAnswer string  `json:"correct_answer"`
	Outcome       string  `json:"outcome"`
	TimeTaken     int     `json:"time_taken"`
	Explanation   *string `json:"explanation,omitempty"`
}

// PreparedResult is a completed section ready for tutors and the study plan prompt.
type PreparedResult struct {
	ResultID  string               `json:"result_id"`
	Section   models.Section       `json:"section"`
	Summary   models.ResultSummary `json:"summary"`
	Questions []PreparedQuestion   `json:"questions"`
}

// PrepareExamData joins a stored result with its questions. A question that
// cannot be fetched is replaced by placeholder content.
func PrepareExamData(ctx context.Context, src QuestionSource, result models.ExamResult) PreparedResult {
	out := PreparedResult{
		ResultID:  result.ID,
		Section:   result.Section,
		Summary:   result.Summary,
		Questions: make([]PreparedQuestion, 0, len(result.Records)),
	}
	for i, r := range result.Records {
		pq := PreparedQuestion{
			Number:     i + 1,
			QuestionID: r.QuestionID,
			UserAnswer: r.UserAnswer,
			Outcome:    Outcome(r),
			TimeTaken:  r.TimeTaken,
		}
		q, err := src.GetQuestion(ctx, r.QuestionID)
		if err != nil {
			log.Printf("Warning: question %s unavailable for result %s: %v", r.QuestionID, result.ID, err)
			pq.Text = unavailableText
			pq.CorrectAnswer = unavailableAnswer
			pq.Subtopic = unavailableAnswer
			pq.Difficulty = unavailableAnswer
		} else {
			pq.Text = q.Text
			pq.CorrectAnswer = q.CorrectAnswer
			pq.Subtopic = q.Subtopic
			pq.Difficulty = DifficultyBand(q.Difficulty)
			pq.Explanation = q.Explanation
		}
		out.Questions = append(out.Questions, pq)
	}
	return out
}
