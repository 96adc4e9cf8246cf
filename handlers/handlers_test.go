package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/ingestion"
	"github.com/as-czyk/diagnostic-test/middleware"
	"github.com/as-czyk/diagnostic-test/models"
	"github.com/as-czyk/diagnostic-test/session"
	"github.com/as-czyk/diagnostic-test/storage"
	"github.com/as-czyk/diagnostic-test/studyplan"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "diagnostic-test"
)

type fakeStore struct {
	mu        sync.Mutex
	nextID    int
	exams     map[string]*models.Exam
	questions map[string]*models.Question
	diags     map[string]*models.Diagnostic
	profiles  map[string]*models.UserProfile
	results   map[string]*models.ExamResult
	plans     map[string]*models.StudyPlan
	runs      map[string]*models.WorkflowRun
	settings  map[string]string
	errors    []string
	events    []string
}

func newFakeStore() *fakeStore {
	s := &fakeStore{
		exams:     map[string]*models.Exam{},
		questions: map[string]*models.Question{},
		diags:     map[string]*models.Diagnostic{},
		profiles:  map[string]*models.UserProfile{},
		results:   map[string]*models.ExamResult{},
		plans:     map[string]*models.StudyPlan{},
		runs:      map[string]*models.WorkflowRun{},
		settings:  map[string]string{"exam_time_limit": "0"},
	}
	for _, sec := range []struct {
		section models.Section
		prefix  string
	}{{models.SectionMath, "m"}, {models.SectionVerbal, "v"}} {
		e := &models.Exam{ID: sec.prefix + "-exam", Section: sec.section, Title: string(sec.section) + " diagnostic"}
		for i, correct := range []string{"A", "B"} {
			id := fmt.Sprintf("%s%d", sec.prefix, i+1)
			e.QuestionIDs = append(e.QuestionIDs, id)
			s.questions[id] = &models.Question{
				ID:            id,
				Section:       sec.section,
				Subtopic:      "Algebra",
				Difficulty:    2,
				Text:          "Question " + id,
				Choices:       []models.Choice{{Value: "A"}, {Value: "B"}, {Value: "C"}, {Value: "D"}},
				CorrectAnswer: correct,
			}
		}
		s.exams[e.ID] = e
	}
	return s
}

func (s *fakeStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *fakeStore) GetExam(_ context.Context, id string) (*models.Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exams[id]
	if !ok {
		return nil, fmt.Errorf("exam %s: %w", id, db.ErrNotFound)
	}
	return e, nil
}

func (s *fakeStore) GetQuestion(_ context.Context, id string) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, fmt.Errorf("question %s: %w", id, db.ErrNotFound)
	}
	return q, nil
}

func (s *fakeStore) CreateExamResult(_ context.Context, r models.ExamResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id("result")
	s.results[r.ID] = &r
	return r.ID, nil
}

func (s *fakeStore) UpdateDiagnostic(_ context.Context, userID string, p models.DiagnosticPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diags[userID]
	if !ok {
		d = &models.Diagnostic{ID: s.id("diag"), UserID: userID}
		s.diags[userID] = d
	}
	if p.UserProfileID != nil {
		d.UserProfileID = p.UserProfileID
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
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diags[userID]
	if !ok {
		return models.DiagnosticStatus{}, nil
	}
	return d.Status(), nil
}

func (s *fakeStore) CreateAnonymousUser(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID := s.id("user")
	s.diags[userID] = &models.Diagnostic{ID: s.id("diag"), UserID: userID}
	return userID, nil
}

func (s *fakeStore) UpsertProfile(ctx context.Context, p models.UserProfile) (*models.UserProfile, error) {
	s.mu.Lock()
	p.ID = s.id("profile")
	s.profiles[p.UserID] = &p
	s.mu.Unlock()
	return &p, s.UpdateDiagnostic(ctx, p.UserID, models.DiagnosticPatch{UserProfileID: &p.ID})
}

func (s *fakeStore) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile of %s: %w", userID, db.ErrNotFound)
	}
	return p, nil
}

func (s *fakeStore) GetDiagnostic(_ context.Context, userID string) (*models.Diagnostic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diags[userID]
	if !ok {
		return nil, fmt.Errorf("diagnostic of %s: %w", userID, db.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) ListExamsBySection(_ context.Context, section models.Section) ([]models.Exam, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Exam
	for _, e := range s.exams {
		if e.Section == section {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) GetStudyPlan(_ context.Context, userID string) (*models.StudyPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[userID]
	if !ok {
		return nil, fmt.Errorf("study plan of %s: %w", userID, db.ErrNotFound)
	}
	return p, nil
}

func (s *fakeStore) LatestWorkflowRun(_ context.Context, userID string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[userID]
	if !ok {
		return nil, fmt.Errorf("run of %s: %w", userID, db.ErrNotFound)
	}
	return r, nil
}

func (s *fakeStore) LogError(source, scope, errMsg, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, source+"|"+scope+"|"+errMsg)
}

func (s *fakeStore) LogAdminEvent(actor, action, target, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, actor+"|"+action+"|"+target)
}

func (s *fakeStore) GetExamResult(_ context.Context, id string) (*models.ExamResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", id, db.ErrNotFound)
	}
	return r, nil
}

func (s *fakeStore) ListExamResultsForUser(_ context.Context, userID string) ([]models.ExamResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExamResult
	for _, r := range s.results {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) ListUsers(_ context.Context, f models.UserFilter) ([]models.UserSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserSummary
	for userID := range s.diags {
		u := models.UserSummary{UserID: userID}
		if p, ok := s.profiles[userID]; ok {
			u.FirstName, u.LastName, u.Email = &p.FirstName, &p.LastName, &p.Email
		}
		if f.Search != "" && (u.Email == nil || !strings.Contains(*u.Email, f.Search)) {
			continue
		}
		out = append(out, u)
	}
	return out, len(out), nil
}

func (s *fakeStore) GetDashboardMetrics(context.Context) (models.DashboardMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.DashboardMetrics{
		TotalUsers: len(s.diags),
		StudyPlans: len(s.plans),
		RecentEvents: []models.AdminEvent{
			{ID: 1, Timestamp: time.Now(), Action: "ingestion_success", Actor: "system", Target: "bank"},
		},
	}, nil
}

func (s *fakeStore) ListErrorLogs(_ context.Context, search, source string, _ int) ([]models.ErrorLog, error) {
	line := 4
	return []models.ErrorLog{{
		ID: 1, Timestamp: time.Now(), Source: "ingestion", LineNumber: &line,
		ErrorMessage: "difficulty must be between 0 and 5 (search=" + search + ")",
	}}, nil
}

func (s *fakeStore) ListQuestionStats(_ context.Context, _ string, section models.Section) ([]models.QuestionStat, error) {
	rate := 0.5
	return []models.QuestionStat{{QuestionID: "m1", Section: models.SectionMath, Subtopic: "Algebra", Text: "Question m1", ObservedCorrectRate: &rate}}, nil
}

func (s *fakeStore) ListSettings(context.Context) ([]models.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Setting
	for k, v := range s.settings {
		out = append(out, models.Setting{Key: k, Value: v})
	}
	return out, nil
}

func (s *fakeStore) UpdateSettings(_ context.Context, actor string, updates map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range updates {
		if _, ok := s.settings[k]; !ok {
			return fmt.Errorf("setting %q: %w", k, db.ErrNotFound)
		}
	}
	for k, v := range updates {
		s.settings[k] = v
		s.events = append(s.events, actor+"|update_setting|"+k)
	}
	return nil
}

func (s *fakeStore) ListWorkflowRuns(_ context.Context, status string, _ int) ([]models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WorkflowRun
	for _, r := range s.runs {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}

type startCall struct {
	trigger studyplan.Trigger
	force   bool
}

type fakePlans struct {
	mu    sync.Mutex
	store *fakeStore
	calls []startCall
}

func (p *fakePlans) Start(_ context.Context, t studyplan.Trigger, force bool) (string, bool, error) {
	if err := t.Validate(); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, startCall{t, force})

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if r, ok := p.store.runs[t.UserID]; ok && !force && r.Status != models.RunFailed {
		return r.ID, false, nil
	}
	r := &models.WorkflowRun{ID: p.store.id("run"), UserID: t.UserID, Status: models.RunPending, StudentName: t.StudentName}
	p.store.runs[t.UserID] = r
	return r.ID, true, nil
}

func (p *fakePlans) Calls() []startCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]startCall(nil), p.calls...)
}

type testServer struct {
	store    *fakeStore
	plans    *fakePlans
	blobs    *storage.MemStore
	sessions *session.Manager
	router   http.Handler
	ingest   error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)

	ts := &testServer{store: newFakeStore(), blobs: storage.NewMemStore()}
	ts.plans = &fakePlans{store: ts.store}
	ts.sessions = session.NewManager(ts.store, 0)
	t.Cleanup(ts.sessions.Close)

	ts.router = NewHandler(Deps{
		Store:    ts.store,
		Sessions: ts.sessions,
		Plans:    ts.plans,
		Blobs:    ts.blobs,
		Auth: AuthSettings{
			SigningKey:    testKey,
			Issuer:        testIssuer,
			TokenTTL:      time.Hour,
			TutorUser:     "tutor",
			TutorPassHash: string(hash),
		},
		Ingest:         func(context.Context) error { return ts.ingest },
		AllowedOrigins: []string{"http://localhost:3000"},
	}, "../templates")
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) signIn(t *testing.T) (string, string) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/auth/anonymous", "", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp models.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token, resp.UserID
}

func tutorToken(t *testing.T) string {
	t.Helper()
	token, _, err := middleware.IssueToken(testKey, testIssuer, "tutor", []string{middleware.RoleTutor}, time.Hour)
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

var validProfile = gin.H{
	"first_name":    "Ada",
	"last_name":     "Lovelace",
	"email":         "ada@example.com",
	"exam_date":     "2026-12-05",
	"desired_score": 1450,
}

// answerSection walks every question of examID, answering "A".
func (ts *testServer) answerSection(t *testing.T, token, examID string) map[string]any {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/exams/"+examID+"/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var last map[string]any
	for _, qid := range ts.store.exams[examID].QuestionIDs {
		w = ts.do(t, http.MethodGet, "/api/v1/exams/"+examID+"/questions/"+qid, token, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		w = ts.do(t, http.MethodPost, "/api/v1/exams/"+examID+"/questions/"+qid+"/answer", token, gin.H{"answer": "A"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		last = decode(t, w)
	}
	return last
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/profile", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAnonymousSignIn(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.signIn(t)
	assert.NotEmpty(t, token)
	assert.Contains(t, ts.store.diags, userID)

	w := ts.do(t, http.MethodGet, "/api/v1/diagnostic", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["is_complete"])
}

func TestTutorSignIn(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/auth/tutor", "", gin.H{"username": "tutor", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/auth/tutor", "", gin.H{"username": "someone", "password": "correct horse"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/auth/tutor", "", gin.H{"username": "tutor", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := decode(t, w)["token"].(string)

	w = ts.do(t, http.MethodGet, "/t/dashboard", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, ts.store.events, "tutor|tutor_sign_in|tutor")
}

func TestRoleSeparation(t *testing.T) {
	ts := newTestServer(t)
	student, _ := ts.signIn(t)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/diagnostic", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/v1/diagnostic", tutorToken(t), nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/t/dashboard", student, nil).Code)
}

func TestSaveProfile(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.signIn(t)

	tests := []struct {
		name   string
		mutate func(gin.H)
		want   int
	}{
		{"valid", func(gin.H) {}, http.StatusOK},
		{"short first name", func(b gin.H) { b["first_name"] = "A" }, http.StatusBadRequest},
		{"bad email", func(b gin.H) { b["email"] = "not-an-email" }, http.StatusBadRequest},
		{"score too low", func(b gin.H) { b["desired_score"] = 390 }, http.StatusBadRequest},
		{"score too high", func(b gin.H) { b["desired_score"] = 1700 }, http.StatusBadRequest},
		{"bad date", func(b gin.H) { b["exam_date"] = "05/12/2026" }, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := gin.H{}
			for k, v := range validProfile {
				body[k] = v
			}
			tt.mutate(body)
			w := ts.do(t, http.MethodPut, "/api/v1/profile", token, body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	p := ts.store.profiles[userID]
	require.NotNil(t, p)
	assert.Equal(t, "Ada Lovelace", p.FullName())
	assert.Equal(t, time.Date(2026, 12, 5, 0, 0, 0, 0, time.UTC), p.ExamDate)
	assert.True(t, ts.store.diags[userID].Status().HasProfile)
}

func TestListSections(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signIn(t)

	w := ts.do(t, http.MethodGet, "/api/v1/sections", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Sections []models.SectionExams  `json:"sections"`
		Status   models.DiagnosticStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sections, 2)
	assert.Equal(t, models.SectionMath, resp.Sections[0].Section)
	assert.False(t, resp.Sections[0].Completed)
	assert.Len(t, resp.Sections[1].Exams, 1)
}

func TestQuestionView_HidesCorrectAnswer(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signIn(t)

	w := ts.do(t, http.MethodPost, "/api/v1/exams/m-exam/session", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, session.QuestionRoute("m-exam", "m1"), decode(t, w)["route"])

	w = ts.do(t, http.MethodGet, "/api/v1/exams/m-exam/questions/m1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "correct_answer")
	view := decode(t, w)
	assert.Equal(t, float64(2), view["total"])
	assert.Equal(t, false, view["is_last"])
}

func TestSubmitAnswer_Errors(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signIn(t)

	w := ts.do(t, http.MethodPost, "/api/v1/exams/m-exam/questions/m1/answer", token, gin.H{"answer": "A"})
	assert.Equal(t, http.StatusNotFound, w.Code, "no session")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/exams/m-exam/session", token, nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/exams/m-exam/questions/m1", token, nil).Code)

	w = ts.do(t, http.MethodPost, "/api/v1/exams/m-exam/questions/m1/answer", token, gin.H{"answer": "E"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/exams/m-exam/questions/m2", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "cannot skip ahead")

	w = ts.do(t, http.MethodGet, "/api/v1/exams/m-exam/questions/v1", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "question of another exam")

	w = ts.do(t, http.MethodPost, "/api/v1/exams/m-exam/questions/m1/answer", token, gin.H{"answer": nil})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, "m2", res["next_question_id"])
	assert.Nil(t, res["record"].(map[string]any)["user_answer"])

	w = ts.do(t, http.MethodPost, "/api/v1/exams/m-exam/questions/m1/answer", token, gin.H{"answer": "A"})
	assert.Equal(t, http.StatusConflict, w.Code, "already answered")

	w = ts.do(t, http.MethodPost, "/api/v1/exams/missing/session", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAbandonSession(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signIn(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/v1/exams/m-exam/session", token, nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/exams/m-exam/session", token, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/v1/exams/m-exam/session", token, nil).Code)
	assert.Equal(t, 0, ts.sessions.Len())
}

func TestDiagnosticFlow_QueuesStudyPlan(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.signIn(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/v1/profile", token, validProfile).Code)

	math := ts.answerSection(t, token, "m-exam")
	assert.Equal(t, session.RouteSectionSelection, math["route"])
	handoff := math["handoff"].(map[string]any)
	assert.Nil(t, handoff["errors"])
	assert.Equal(t, float64(1), handoff["summary"].(map[string]any)["correct_answers"])
	assert.Empty(t, ts.plans.Calls())

	w := ts.do(t, http.MethodPost, "/api/v1/exams/m-exam/session", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "completed section cannot be retaken")

	verbal := ts.answerSection(t, token, "v-exam")
	assert.Equal(t, session.RouteResultGeneration, verbal["route"])

	calls := ts.plans.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].force)
	assert.Equal(t, userID, calls[0].trigger.UserID)
	assert.Equal(t, "Ada Lovelace", calls[0].trigger.StudentName)
	assert.Equal(t, 1450, calls[0].trigger.TargetScore)
	d := ts.store.diags[userID]
	assert.Equal(t, *d.MathResultID, calls[0].trigger.MathResultRef)
	assert.Equal(t, *d.VerbalResultID, calls[0].trigger.VerbalResultRef)

	w = ts.do(t, http.MethodPost, "/api/v1/study_plan", token, nil)
	require.Equal(t, http.StatusOK, w.Code, "second trigger returns the existing run")
	assert.Equal(t, false, decode(t, w)["created"])
}

func TestTriggerStudyPlan_Incomplete(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signIn(t)

	w := ts.do(t, http.MethodPost, "/api/v1/study_plan", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, ts.plans.Calls())
}

func TestStudyPlanRetrieval(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.signIn(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/study_plan", token, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/study_plan/pdf", token, nil).Code)

	key := storage.StudyPlanKey(userID)
	_, err := ts.blobs.Put(key, strings.NewReader("%PDF-1.3 test"))
	require.NoError(t, err)
	ts.store.plans[userID] = &models.StudyPlan{UserID: userID, Markdown: "# Plan", PDFKey: key, CreatedAt: time.Now()}
	ts.store.runs[userID] = &models.WorkflowRun{ID: "run-1", UserID: userID, Status: models.RunSucceeded}

	w := ts.do(t, http.MethodGet, "/api/v1/study_plan", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, models.RunSucceeded, resp["run"].(map[string]any)["status"])
	assert.Equal(t, "mem://"+key, resp["plan"].(map[string]any)["pdf_url"])

	w = ts.do(t, http.MethodGet, "/api/v1/study_plan/pdf", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.3 test", w.Body.String())
}

func TestTutorPages(t *testing.T) {
	ts := newTestServer(t)
	_, userID := ts.signIn(t)
	tutor := tutorToken(t)

	pages := []struct {
		path string
		want string
	}{
		{"/t/dashboard", "ingestion_success"},
		{"/t/users", userID},
		{"/t/users/" + userID, "No profile captured yet."},
		{"/t/error_logs?search=diff&source=ingestion", "difficulty must be between 0 and 5"},
		{"/t/workflow_runs?status=failed", "No runs with status failed."},
		{"/t/question_stats?section=math", "50%"},
		{"/t/settings", "exam_time_limit"},
	}
	for _, p := range pages {
		t.Run(p.path, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, p.path, tutor, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), p.want)
		})
	}

	w := ts.do(t, http.MethodGet, "/t/users/nobody", tutor, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTutorExamResult(t *testing.T) {
	ts := newTestServer(t)
	tutor := tutorToken(t)
	ts.store.results["result-x"] = &models.ExamResult{ID: "result-x", Section: models.SectionMath}

	w := ts.do(t, http.MethodGet, "/t/exam_results/result-x", tutor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "math", decode(t, w)["section"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/t/exam_results/nope", tutor, nil).Code)
}

func TestTutorForceStudyPlan(t *testing.T) {
	ts := newTestServer(t)
	token, userID := ts.signIn(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/v1/profile", token, validProfile).Code)
	ts.answerSection(t, token, "m-exam")
	ts.answerSection(t, token, "v-exam")
	require.Len(t, ts.plans.Calls(), 1)

	w := ts.do(t, http.MethodPost, "/t/users/"+userID+"/study_plan", tutorToken(t), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	calls := ts.plans.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].force)
	assert.Contains(t, ts.store.events, "tutor|force_study_plan|"+userID)
}

func TestTutorUpdateSettings(t *testing.T) {
	ts := newTestServer(t)
	tutor := tutorToken(t)

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/t/settings", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+tutor)
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, post(url.Values{"unknown": {"1"}}).Code)
	assert.Equal(t, http.StatusBadRequest, post(url.Values{}).Code)

	w := post(url.Values{"exam_time_limit": {" 45 "}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "45", ts.store.settings["exam_time_limit"])
}

func TestTriggerIngestion(t *testing.T) {
	ts := newTestServer(t)
	tutor := tutorToken(t)

	ts.ingest = fmt.Errorf("%w: 2 errors", ingestion.ErrInvalidBank)
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(t, http.MethodPost, "/t/ingest", tutor, nil).Code)

	ts.ingest = errors.New("connection refused")
	assert.Equal(t, http.StatusInternalServerError, ts.do(t, http.MethodPost, "/t/ingest", tutor, nil).Code)

	ts.ingest = nil
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/t/ingest", tutor, nil).Code)
	assert.Contains(t, ts.store.events, "tutor|manual_ingestion_success|bank")
}

func TestSessionStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrSessionNotFound, http.StatusNotFound},
		{session.ErrUnknownQuestion, http.StatusNotFound},
		{fmt.Errorf("exam x: %w", db.ErrNotFound), http.StatusNotFound},
		{session.ErrInvalidAnswer, http.StatusBadRequest},
		{session.ErrNotCurrent, http.StatusConflict},
		{session.ErrAlreadyAnswered, http.StatusConflict},
		{session.ErrHandoffInProgress, http.StatusConflict},
		{session.ErrSectionComplete, http.StatusConflict},
		{session.ErrNoExam, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, sessionStatus(tt.err))
		})
	}
}
