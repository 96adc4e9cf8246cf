package models

import (
	"time"
)

// Section is one of the two diagnostic test modules.
type Section string

const (
	SectionMath   Section = "math"
	SectionVerbal Section = "verbal"
)

// Valid reports whether s names a known section.
func (s Section) Valid() bool {
	return s == SectionMath || s == SectionVerbal
}

// Sections lists every section in display order.
var Sections = []Section{SectionMath, SectionVerbal}

// Choice is one selectable answer of a question.
type Choice struct {
	Value    string  `json:"value"` // 'A'..'D'
	Text     string  `json:"text"`
	ImageURL *string `json:"image_url,omitempty"`
}

// Question struct represents a bank question
type Question struct {
	ID            string   `json:"id"`
	Section       Section  `json:"section"`
	Subtopic      string   `json:"subtopic"`
	Difficulty    int      `json:"difficulty_level"` // 0-5
	Text          string   `json:"question_text"`
	ImageURL      *string  `json:"image_url"` // Pointer to allow NULL
	Explanation   *string  `json:"explanation"`
	Choices       []Choice `json:"choices"`
	CorrectAnswer string   `json:"correct_answer"`
	BankVersion   string   `json:"bank_version"`

	ObservedCorrectRate *float64 `json:"observed_correct_rate,omitempty"`
	AvgTimeSeconds      *float64 `json:"avg_time_seconds,omitempty"`
}

// IsCorrect compares a submitted answer with the correct one. A nil answer is a skip.
func (q *Question) IsCorrect(answer *string) bool {
	return answer != nil && *answer == q.CorrectAnswer
}

// HasChoice reports whether value is one of the question's choices.
func (q *Question) HasChoice(value string) bool {
	for _, c := range q.Choices {
		if c.Value == value {
			return true
		}
	}
	return false
}

// QuestionView is what a student sees; it never carries the correct answer.
type QuestionView struct {
	ID         string   `json:"id"`
	Section    Section  `json:"section"`
	Subtopic   string   `json:"subtopic"`
	Text       string   `json:"question_text"`
	ImageURL   *string  `json:"image_url,omitempty"`
	Choices    []Choice `json:"choices"`
	Index      int      `json:"index"`
	Total      int      `json:"total"`
	IsLast     bool     `json:"is_last"`
	ExamID     string   `json:"exam_id"`
	ElapsedSec int      `json:"elapsed_seconds"`
}

// ExamPlan is used by exam assembly to define the per-subtopic composition of a section exam.
type ExamPlan struct {
	QuestionsPerExam   int
	PerSubtopicPerExam map[string]int
}

// Exam struct represents an assembled section exam
type Exam struct {
	ID          string             `json:"exam_id"`
	Section     Section            `json:"section"`
	Title       string             `json:"title"`
	QuestionIDs []string           `json:"question_ids"`
	BankVersion string             `json:"bank_version"`
	Weights     map[string]float64 `json:"subtopic_weights,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Contains reports whether questionID is part of the exam.
func (e *Exam) Contains(questionID string) bool {
	for _, id := range e.QuestionIDs {
		if id == questionID {
			return true
		}
	}
	return false
}

// AnswerRecord is the outcome of one visited question. Never mutated after creation.
type AnswerRecord struct {
	QuestionID string  `json:"question_id"`
	UserAnswer *string `json:"user_answer"` // nil means skipped
	TimeTaken  int     `json:"time_taken"`
	IsCorrect  bool    `json:"is_correct"`
}

// SubtopicScore aggregates results of one subtopic within a section.
type SubtopicScore struct {
	Name    string `json:"name"`
	Total   int    `json:"total"`
	Correct int    `json:"correct"`
}

// ResultSummary is the scored view of a completed section.
type ResultSummary struct {
	Score            int             `json:"score"`
	TotalQuestions   int             `json:"total_questions"`
	CorrectAnswers   int             `json:"correct_answers"`
	IncorrectAnswers int             `json:"incorrect_answers"`
	SkippedQuestions int             `json:"skipped_questions"`
	TimeSpentSeconds int             `json:"time_spent_seconds"`
	Sections         []SubtopicScore `json:"sections"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// ExamResult is one persisted result set for a completed section.
type ExamResult struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	ExamID    string         `json:"exam_id"`
	Section   Section        `json:"section"`
	Records   []AnswerRecord `json:"single_result"`
	Summary   ResultSummary  `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
}

// Diagnostic tracks which sections a user has completed.
type Diagnostic struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	UserProfileID  *string   `json:"user_profile_id"`
	MathResultID   *string   `json:"math_diagnostic_id"`
	VerbalResultID *string   `json:"verbal_diagnostic_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Status derives the completion flags of d.
func (d Diagnostic) Status() DiagnosticStatus {
	s := DiagnosticStatus{
		HasProfile: d.UserProfileID != nil,
		HasMath:    d.MathResultID != nil,
		HasVerbal:  d.VerbalResultID != nil,
	}
	s.IsComplete = s.HasMath && s.HasVerbal
	return s
}

// DiagnosticPatch sets the non-nil references on a diagnostic.
type DiagnosticPatch struct {
	UserProfileID  *string
	MathResultID   *string
	VerbalResultID *string
}

// DiagnosticStatus reports which sections are complete.
type DiagnosticStatus struct {
	HasProfile bool `json:"has_profile"`
	HasMath    bool `json:"has_math"`
	HasVerbal  bool `json:"has_verbal"`
	IsComplete bool `json:"is_complete"`
}

// Completed reports whether the given section is complete.
func (s DiagnosticStatus) Completed(section Section) bool {
	switch section {
	case SectionMath:
		return s.HasMath
	case SectionVerbal:
		return s.HasVerbal
	}
	return false
}

// UserProfile holds the student details captured before the test.
type UserProfile struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email"`
	ExamDate     time.Time `json:"exam_date"`
	DesiredScore int       `json:"desired_score"`
	Motivation   *string   `json:"motivation"`
	CreatedAt    time.Time `json:"created_at"`
}

// FullName joins first and last name.
func (p UserProfile) FullName() string {
	return p.FirstName + " " + p.LastName
}

// StudyPlan is the stored output of the study plan workflow.
type StudyPlan struct {
	UserID    string    `json:"user_id"`
	Markdown  string    `json:"markdown"`
	HTML      string    `json:"html"`
	PDFKey    string    `json:"pdf_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// WorkflowRun tracks one execution of the study plan workflow.
type WorkflowRun struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	Stage          string    `json:"stage"`
	Error          *string   `json:"error"`
	Attempts       int       `json:"attempts"`
	StudentName    string    `json:"student_name"`
	ExamDate       time.Time `json:"exam_date"`
	TargetScore    int       `json:"target_score"`
	MathResultID   string    `json:"math_result_id"`
	VerbalResultID string    `json:"verbal_result_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ErrorLog struct for displaying validation errors
type ErrorLog struct {
	ID           int       `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	Scope        *string   `json:"scope"`
	FilePath     *string   `json:"file_path"`
	LineNumber   *int      `json:"line_number"`
	FieldName    *string   `json:"field_name"`
	ErrorMessage string    `json:"error_message"`
	SuggestedFix *string   `json:"suggested_fix"`
}

// AdminEvent struct for displaying tutor and system actions
type AdminEvent struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Target    string    `json:"target"`
	Notes     string    `json:"notes"`
}

// UserSummary is one row of the tutor user list.
type UserSummary struct {
	UserID       string     `json:"user_id"`
	FirstName    *string    `json:"first_name"`
	LastName     *string    `json:"last_name"`
	Email        *string    `json:"email"`
	DesiredScore *int       `json:"desired_score"`
	MathScore    *int       `json:"math_score"`
	VerbalScore  *int       `json:"verbal_score"`
	PlanStatus   *string    `json:"plan_status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExamDate     *time.Time `json:"exam_date"`
}

// UserFilter carries the tutor user list query.
type UserFilter struct {
	Search   string
	OrderBy  string
	OrderDir string
	Page     int
	PageSize int
}

// DashboardMetrics are the tutor dashboard counters.
type DashboardMetrics struct {
	TotalUsers         int
	CompletedProfiles  int
	CompletedMath      int
	CompletedVerbal    int
	CompletedBoth      int
	StudyPlans         int
	FailedRuns         int
	ValidationFailures int
	RecentEvents       []AdminEvent
}

// --- API Request/Response DTOs ---

// ProfileRequest for capturing the student profile
type ProfileRequest struct {
	FirstName    string `json:"first_name" binding:"required,min=2"`
	LastName     string `json:"last_name" binding:"required,min=2"`
	Email        string `json:"email" binding:"required,email"`
	ExamDate     string `json:"exam_date" binding:"required"` // YYYY-MM-DD
	DesiredScore int    `json:"desired_score" binding:"required,min=400,max=1600"`
	Motivation   string `json:"motivation"`
}

// AnswerRequest for submitting one answer; a null answer skips the question
type AnswerRequest struct {
	Answer *string `json:"answer" binding:"omitempty,oneof=A B C D"`
}

// TutorLoginRequest for tutor sign-in
type TutorLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is returned by both sign-in endpoints.
type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SectionExams groups the available exams of one section for the selection screen.
type SectionExams struct {
	Section   Section `json:"section"`
	Completed bool    `json:"completed"`
	Exams     []Exam  `json:"exams"`
}

// --- Question bank structures ---

// BankYAML represents the structure of bank.yaml
type BankYAML struct {
	BankVersion string        `yaml:"bank_version"`
	Exams       []BankExamDef `yaml:"exams"`
}

// BankExamDef defines the exams to assemble for one section.
type BankExamDef struct {
	Section   Section `yaml:"section"`
	Title     string  `yaml:"title"`
	Count     int     `yaml:"count"`     // exams to assemble
	Questions int     `yaml:"questions"` // questions per exam
	Subtopics string  `yaml:"subtopics"` // "Name:Weight|Name:Weight"
}

// Setting is one row of the settings table.
type Setting struct {
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Description *string `json:"description"`
}

// QuestionStat is one row of the tutor question statistics page.
type QuestionStat struct {
	QuestionID          string   `json:"question_id"`
	Section             Section  `json:"section"`
	Subtopic            string   `json:"subtopic"`
	Difficulty          int      `json:"difficulty_level"`
	Text                string   `json:"question_text"`
	ObservedCorrectRate *float64 `json:"observed_correct_rate"`
	AvgTimeSeconds      *float64 `json:"avg_time_seconds"`
}

// LLMRequest is one logged call to a language model provider.
type LLMRequest struct {
	Purpose      string
	Model        string
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
	Success      bool
	ErrorMessage string
	RequestBody  string
	ResponseBody string
}
