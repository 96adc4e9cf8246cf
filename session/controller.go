package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/as-czyk/diagnostic-test/exam"
	"github.com/as-czyk/diagnostic-test/models"
)

// Store is the persistence the exam state machine depends on.
type Store interface {
	GetExam(ctx context.Context, examID string) (*models.Exam, error)
	GetQuestion(ctx context.Context, questionID string) (*models.Question, error)
	CreateExamResult(ctx context.Context, result models.ExamResult) (string, error)
	UpdateDiagnostic(ctx context.Context, userID string, patch models.DiagnosticPatch) error
	GetDiagnosticStatus(ctx context.Context, userID string) (models.DiagnosticStatus, error)
}

// SubmitResult is returned for every accepted answer.
type SubmitResult struct {
	Record         models.AnswerRecord `json:"record"`
	NextQuestionID string              `json:"next_question_id,omitempty"`
	Route          string              `json:"route"`
	Handoff        *HandoffReport      `json:"handoff,omitempty"`
}

// Controller owns the Timer, Accumulator and Navigator of one user working
// through one section exam.
type Controller struct {
	mu         sync.Mutex
	userID     string
	store      Store
	timer      *Timer
	acc        *Accumulator
	nav        Navigator
	questions  map[string]*models.Question
	answered   map[string]bool
	completing bool
	lastActive time.Time
	now        func() time.Time
}

// NewController returns a controller with no exam loaded.
func NewController(userID string, store Store) *Controller {
	return &Controller{
		userID:    userID,
		store:     store,
		timer:     NewTimer(),
		acc:       NewAccumulator(nil),
		questions: make(map[string]*models.Question),
		answered:  make(map[string]bool),
		now:       time.Now,
	}
}

// UserID returns the owner of the session.
func (c *Controller) UserID() string {
	return c.userID
}

// Load fetches examID and makes it the active exam. It returns the route of the first question.
func (c *Controller) Load(ctx context.Context, examID string) (string, error) {
	e, err := c.store.GetExam(ctx, examID)
	if err != nil {
		return "", fmt.Errorf("fetch exam %s: %w", examID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer.Reset()
	c.nav.LoadExam(e)
	c.acc.Bind(e)
	c.questions = make(map[string]*models.Question)
	c.answered = make(map[string]bool)
	c.completing = false
	c.touch()

	first, ok := c.nav.NextQuestionID()
	if !ok {
		return RouteSectionSelection, nil
	}
	return QuestionRoute(e.ID, first), nil
}

// ShowQuestion fetches questionID, makes it current and restarts the timer.
// Re-displaying the current unanswered question leaves the timer running.
func (c *Controller) ShowQuestion(ctx context.Context, questionID string) (*models.QuestionView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActive(); err != nil {
		return nil, err
	}
	e := c.nav.Exam()
	if !e.Contains(questionID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if c.answered[questionID] {
		return nil, ErrAlreadyAnswered
	}
	c.touch()

	if cur := c.nav.CurrentQuestion(); cur != nil && cur.ID == questionID {
		return c.view(cur), nil
	}
	if !c.allowed(questionID) {
		return nil, ErrNotCurrent
	}

	q, err := c.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, fmt.Errorf("fetch question %s: %w", questionID, err)
	}
	c.questions[q.ID] = q
	c.nav.SetCurrentQuestion(q)
	c.timer.Reset()
	c.timer.Start()
	return c.view(q), nil
}

// Submit records the answer for the current question. A nil answer skips it.
// Submitting the last question runs the section completion handoff.
func (c *Controller) Submit(ctx context.Context, questionID string, answer *string) (*SubmitResult, error) {
	c.mu.Lock()
	if err := c.checkActive(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	cur := c.nav.CurrentQuestion()
	if cur == nil || cur.ID != questionID {
		c.mu.Unlock()
		return nil, ErrNotCurrent
	}
	if c.answered[questionID] {
		c.mu.Unlock()
		return nil, ErrAlreadyAnswered
	}
	if answer != nil && !cur.HasChoice(*answer) {
		c.mu.Unlock()
		return nil, ErrInvalidAnswer
	}
	c.touch()

	rec := models.AnswerRecord{
		QuestionID: cur.ID,
		UserAnswer: answer,
		TimeTaken:  c.timer.Stop(),
		IsCorrect:  cur.IsCorrect(answer),
	}

	if !c.nav.IsLastQuestion() {
		defer c.mu.Unlock()
		if err := c.acc.Add(rec); err != nil {
			return nil, err
		}
		c.answered[cur.ID] = true
		c.timer.Reset()
		next, _ := c.nav.NextQuestionID()
		return &SubmitResult{
			Record:         rec,
			NextQuestionID: next,
			Route:          QuestionRoute(c.nav.Exam().ID, next),
		}, nil
	}

	c.answered[cur.ID] = true
	c.completing = true
	c.mu.Unlock()

	report := c.complete(context.WithoutCancel(ctx), rec)
	return &SubmitResult{Record: rec, Route: report.Route, Handoff: report}, nil
}

// ResumeRoute returns where a returning client should continue.
func (c *Controller) ResumeRoute() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.nav.Exam()
	if e == nil || c.nav.State() == Complete {
		return RouteSectionSelection
	}
	if cur := c.nav.CurrentQuestion(); cur != nil && !c.answered[cur.ID] {
		return QuestionRoute(e.ID, cur.ID)
	}
	next, ok := c.nav.NextQuestionID()
	if !ok {
		return RouteSectionSelection
	}
	return QuestionRoute(e.ID, next)
}

// State reports the navigator state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nav.State()
}

// Answered returns the number of accepted answers.
func (c *Controller) Answered() int {
	return c.acc.Len()
}

// IdleSince reports whether the session has been untouched since t.
func (c *Controller) IdleSince(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.completing && c.lastActive.Before(t)
}

// Close cancels the timer and drops in-memory results.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer.Reset()
	c.acc.Clear()
}

func (c *Controller) checkActive() error {
	switch {
	case c.completing:
		return ErrHandoffInProgress
	case c.nav.State() == Unloaded:
		return ErrNoExam
	case c.nav.State() == Complete:
		return ErrSectionComplete
	}
	return nil
}

func (c *Controller) allowed(questionID string) bool {
	if cur := c.nav.CurrentQuestion(); cur != nil && !c.answered[cur.ID] {
		return cur.ID == questionID
	}
	next, ok := c.nav.NextQuestionID()
	return ok && next == questionID
}

func (c *Controller) view(q *models.Question) *models.QuestionView {
	e := c.nav.Exam()
	return &models.QuestionView{
		ID:         q.ID,
		Section:    q.Section,
		Subtopic:   q.Subtopic,
		Text:       q.Text,
		ImageURL:   q.ImageURL,
		Choices:    q.Choices,
		Index:      c.nav.CurrentQuestionIndex(),
		Total:      len(e.QuestionIDs),
		IsLast:     c.nav.IsLastQuestion(),
		ExamID:     e.ID,
		ElapsedSec: c.timer.Elapsed(),
	}
}

func (c *Controller) touch() {
	c.lastActive = c.now()
}

func (c *Controller) summarize(records []models.AnswerRecord) models.ResultSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return exam.Summarize(records, c.questions, c.now())
}

func logStep(userID, examID, step string, err error) {
	log.Printf("[SESSION] handoff step %s failed (user=%s exam=%s): %v", step, userID, examID, err)
}
