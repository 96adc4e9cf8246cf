package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/as-czyk/diagnostic-test/models"
)

type fakeStore struct {
	mu        sync.Mutex
	exams     map[string]*models.Exam
	questions map[string]*models.Question
	diag      map[string]*models.Diagnostic
	results   []models.ExamResult
	calls     []string

	createErr error
	updateErr error
	statusErr error
	block     chan struct{}
}

func newFakeStore() *fakeStore {
	s := &fakeStore{
		exams:     map[string]*models.Exam{},
		questions: map[string]*models.Question{},
		diag:      map[string]*models.Diagnostic{},
	}
	for _, sec := range []struct {
		section models.Section
		prefix  string
	}{{models.SectionMath, "m"}, {models.SectionVerbal, "v"}} {
		e := &models.Exam{ID: sec.prefix + "-exam", Section: sec.section}
		for i, correct := range []string{"A", "B", "C"} {
			id := fmt.Sprintf("%s%d", sec.prefix, i+1)
			e.QuestionIDs = append(e.QuestionIDs, id)
			s.questions[id] = &models.Question{
				ID:            id,
				Section:       sec.section,
				Subtopic:      "Topic" + correct,
				Text:          "Question " + id,
				Choices:       []models.Choice{{Value: "A"}, {Value: "B"}, {Value: "C"}, {Value: "D"}},
				CorrectAnswer: correct,
			}
		}
		s.exams[e.ID] = e
	}
	return s
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeStore) GetExam(_ context.Context, id string) (*models.Exam, error) {
	s.record("GetExam")
	e, ok := s.exams[id]
	if !ok {
		return nil, errors.New("exam not found")
	}
	return e, nil
}

func (s *fakeStore) GetQuestion(_ context.Context, id string) (*models.Question, error) {
	s.record("GetQuestion")
	q, ok := s.questions[id]
	if !ok {
		return nil, errors.New("question not found")
	}
	return q, nil
}

func (s *fakeStore) CreateExamResult(_ context.Context, r models.ExamResult) (string, error) {
	s.record("CreateExamResult")
	if s.block != nil {
		<-s.block
	}
	if s.createErr != nil {
		return "", s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = fmt.Sprintf("result-%d", len(s.results)+1)
	s.results = append(s.results, r)
	return r.ID, nil
}

func (s *fakeStore) UpdateDiagnostic(_ context.Context, userID string, p models.DiagnosticPatch) error {
	s.record("UpdateDiagnostic")
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diag[userID]
	if !ok {
		d = &models.Diagnostic{UserID: userID}
		s.diag[userID] = d
	}
	if p.MathResultID != nil {
		d.MathResultID = p.MathResultID
	}
	if p.VerbalResultID != nil {
		d.VerbalResultID = p.VerbalResultID
	}
	return nil
}

func (s *fakeStore) GetDiagnosticStatus(_ context.Context, userID string) (models.DiagnosticStatus, error) {
	s.record("GetDiagnosticStatus")
	if s.statusErr != nil {
		return models.DiagnosticStatus{}, s.statusErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diag[userID]
	if !ok {
		return models.DiagnosticStatus{}, nil
	}
	return d.Status(), nil
}

func (s *fakeStore) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func lastCall(s *fakeStore) string {
	calls := s.callLog()
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1]
}

func str(s string) *string { return &s }

func newTestController(t *testing.T, store *fakeStore, examID string) (*Controller, chan time.Time) {
	t.Helper()
	c := NewController("user-1", store)
	ch := make(chan time.Time)
	c.timer.ticker = func(time.Duration) (<-chan time.Time, func()) { return ch, func() {} }
	route, err := c.Load(context.Background(), examID)
	require.NoError(t, err)
	e := store.exams[examID]
	require.Equal(t, QuestionRoute(e.ID, e.QuestionIDs[0]), route)
	t.Cleanup(c.Close)
	return c, ch
}

func answerAll(t *testing.T, c *Controller, examID string, answers []*string) *SubmitResult {
	t.Helper()
	ctx := context.Background()
	var res *SubmitResult
	for i, id := range []string{examID[:1] + "1", examID[:1] + "2", examID[:1] + "3"} {
		_, err := c.ShowQuestion(ctx, id)
		require.NoError(t, err)
		res, err = c.Submit(ctx, id, answers[i])
		require.NoError(t, err)
	}
	return res
}

func TestController_WalksExamAndRoutesToSectionSelection(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestController(t, store, "m-exam")
	ctx := context.Background()

	view, err := c.ShowQuestion(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, view.Index)
	assert.Equal(t, 3, view.Total)
	assert.False(t, view.IsLast)

	res, err := c.Submit(ctx, "m1", str("A"))
	require.NoError(t, err)
	assert.True(t, res.Record.IsCorrect)
	assert.Equal(t, "m2", res.NextQuestionID)
	assert.Equal(t, "/f/diagnostic-test/m-exam/q/m2", res.Route)
	assert.Nil(t, res.Handoff)

	_, err = c.ShowQuestion(ctx, "m2")
	require.NoError(t, err)
	res, err = c.Submit(ctx, "m2", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Record.UserAnswer)
	assert.False(t, res.Record.IsCorrect)

	view, err = c.ShowQuestion(ctx, "m3")
	require.NoError(t, err)
	assert.True(t, view.IsLast)
	res, err = c.Submit(ctx, "m3", str("A"))
	require.NoError(t, err)

	assert.False(t, res.Record.IsCorrect)
	require.NotNil(t, res.Handoff)
	assert.Empty(t, res.Handoff.Errors)
	assert.Equal(t, RouteSectionSelection, res.Route)
	assert.Equal(t, "result-1", res.Handoff.ResultID)
	assert.True(t, res.Handoff.Status.HasMath)
	assert.False(t, res.Handoff.Status.IsComplete)

	require.Len(t, store.results, 1)
	saved := store.results[0]
	assert.Equal(t, models.SectionMath, saved.Section)
	assert.Equal(t, "user-1", saved.UserID)
	require.Len(t, saved.Records, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{saved.Records[0].QuestionID, saved.Records[1].QuestionID, saved.Records[2].QuestionID})
	assert.Equal(t, 1, saved.Summary.CorrectAnswers)
	assert.Equal(t, 1, saved.Summary.SkippedQuestions)

	assert.Equal(t, Complete, c.State())
	assert.Equal(t, 0, c.Answered())
	assert.False(t, c.timer.Running())
	assert.Equal(t, RouteSectionSelection, c.ResumeRoute())

	calls := store.callLog()
	assert.Equal(t, []string{"CreateExamResult", "UpdateDiagnostic", "GetDiagnosticStatus"}, calls[len(calls)-3:])
}

func TestController_RoutesToResultGenerationWhenOtherSectionDone(t *testing.T) {
	store := newFakeStore()
	store.diag["user-1"] = &models.Diagnostic{UserID: "user-1", VerbalResultID: str("earlier")}
	c, _ := newTestController(t, store, "m-exam")

	res := answerAll(t, c, "m-exam", []*string{str("A"), str("B"), str("C")})

	assert.Equal(t, RouteResultGeneration, res.Route)
	assert.True(t, res.Handoff.Status.IsComplete)
	assert.Equal(t, 3, res.Handoff.Summary.CorrectAnswers)
	assert.Equal(t, 800, res.Handoff.Summary.Score)
}

func TestController_VerbalSectionSetsVerbalReference(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestController(t, store, "v-exam")

	res := answerAll(t, c, "v-exam", []*string{nil, nil, nil})

	assert.Equal(t, RouteSectionSelection, res.Route)
	d := store.diag["user-1"]
	require.NotNil(t, d.VerbalResultID)
	assert.Nil(t, d.MathResultID)
}

func TestController_PersistFailureSkipsDiagnosticButStillRoutes(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("db down")
	store.diag["user-1"] = &models.Diagnostic{UserID: "user-1", VerbalResultID: str("earlier")}
	c, _ := newTestController(t, store, "m-exam")

	res := answerAll(t, c, "m-exam", []*string{str("A"), str("B"), str("C")})

	require.NotNil(t, res.Handoff)
	assert.True(t, res.Handoff.Failed(StepPersist))
	assert.True(t, res.Handoff.Failed(StepDiagnostic))
	assert.Empty(t, res.Handoff.ResultID)
	assert.Nil(t, store.diag["user-1"].MathResultID)
	assert.Equal(t, RouteSectionSelection, res.Route)
	assert.Equal(t, 0, c.Answered())
	assert.Equal(t, Complete, c.State())
	assert.NotContains(t, store.callLog(), "UpdateDiagnostic")
}

func TestController_DiagnosticUpdateFailureIsReported(t *testing.T) {
	store := newFakeStore()
	store.updateErr = errors.New("update failed")
	c, _ := newTestController(t, store, "m-exam")

	res := answerAll(t, c, "m-exam", []*string{str("A"), str("B"), str("C")})

	assert.True(t, res.Handoff.Failed(StepDiagnostic))
	assert.False(t, res.Handoff.Failed(StepPersist))
	assert.Equal(t, "result-1", res.Handoff.ResultID)
	assert.Equal(t, RouteSectionSelection, res.Route)
}

func TestController_StatusReadFailureFallsBackToSectionSelection(t *testing.T) {
	store := newFakeStore()
	store.statusErr = errors.New("timeout")
	store.diag["user-1"] = &models.Diagnostic{UserID: "user-1", VerbalResultID: str("earlier")}
	c, _ := newTestController(t, store, "m-exam")

	res := answerAll(t, c, "m-exam", []*string{str("A"), str("B"), str("C")})

	assert.True(t, res.Handoff.Failed(StepRoute))
	assert.True(t, res.Handoff.Status.HasMath)
	assert.Equal(t, RouteSectionSelection, res.Route)
}

func TestController_TimerResetOnQuestionChange(t *testing.T) {
	store := newFakeStore()
	c, ch := newTestController(t, store, "m-exam")
	ctx := context.Background()

	_, err := c.ShowQuestion(ctx, "m1")
	require.NoError(t, err)
	require.True(t, tick(ch))
	require.True(t, tick(ch))
	require.Eventually(t, func() bool { return c.timer.Elapsed() == 2 }, time.Second, time.Millisecond)

	res, err := c.Submit(ctx, "m1", str("A"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Record.TimeTaken)

	view, err := c.ShowQuestion(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, 0, view.ElapsedSec)
	res, err = c.Submit(ctx, "m2", str("B"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Record.TimeTaken)
}

func TestController_RedisplayKeepsTimer(t *testing.T) {
	store := newFakeStore()
	c, ch := newTestController(t, store, "m-exam")
	ctx := context.Background()

	_, err := c.ShowQuestion(ctx, "m1")
	require.NoError(t, err)
	require.True(t, tick(ch))
	require.Eventually(t, func() bool { return c.timer.Elapsed() == 1 }, time.Second, time.Millisecond)

	view, err := c.ShowQuestion(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, view.ElapsedSec)
}

func TestController_RejectsOutOfOrderAndDoubleSubmit(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestController(t, store, "m-exam")
	ctx := context.Background()

	_, err := c.Submit(ctx, "m1", str("A"))
	assert.ErrorIs(t, err, ErrNotCurrent)

	_, err = c.ShowQuestion(ctx, "m2")
	assert.ErrorIs(t, err, ErrNotCurrent)

	_, err = c.ShowQuestion(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownQuestion)

	_, err = c.ShowQuestion(ctx, "m1")
	require.NoError(t, err)
	_, err = c.Submit(ctx, "m1", str("E"))
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	_, err = c.Submit(ctx, "m1", str("A"))
	require.NoError(t, err)
	_, err = c.Submit(ctx, "m1", str("A"))
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
	_, err = c.ShowQuestion(ctx, "m1")
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
	assert.Equal(t, 1, c.Answered())
}

func TestController_RejectsSubmitDuringHandoff(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	c, _ := newTestController(t, store, "m-exam")
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		_, err := c.ShowQuestion(ctx, id)
		require.NoError(t, err)
		_, err = c.Submit(ctx, id, str("A"))
		require.NoError(t, err)
	}
	_, err := c.ShowQuestion(ctx, "m3")
	require.NoError(t, err)

	done := make(chan *SubmitResult)
	go func() {
		res, err := c.Submit(ctx, "m3", str("C"))
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return lastCall(store) == "CreateExamResult"
	}, time.Second, time.Millisecond)

	_, err = c.Submit(ctx, "m3", str("C"))
	assert.ErrorIs(t, err, ErrHandoffInProgress)
	_, err = c.ShowQuestion(ctx, "m3")
	assert.ErrorIs(t, err, ErrHandoffInProgress)

	close(store.block)
	res := <-done
	require.NotNil(t, res.Handoff)
	assert.Len(t, store.results, 1)

	_, err = c.Submit(ctx, "m3", str("C"))
	assert.ErrorIs(t, err, ErrSectionComplete)
}

func TestController_RequiresLoadedExam(t *testing.T) {
	c := NewController("u", newFakeStore())
	_, err := c.ShowQuestion(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNoExam)
	_, err = c.Load(context.Background(), "missing")
	assert.Error(t, err)
}
