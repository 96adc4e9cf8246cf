package handlers

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/multitemplate"
	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"

	"github.com/as-czyk/diagnostic-test/middleware"
	"github.com/as-czyk/diagnostic-test/models"
	"github.com/as-czyk/diagnostic-test/session"
	"github.com/as-czyk/diagnostic-test/storage"
	"github.com/as-czyk/diagnostic-test/studyplan"
)

// StudentStore is the persistence the student API needs.
type StudentStore interface {
	session.Store
	CreateAnonymousUser(ctx context.Context) (string, error)
	UpsertProfile(ctx context.Context, p models.UserProfile) (*models.UserProfile, error)
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	GetDiagnostic(ctx context.Context, userID string) (*models.Diagnostic, error)
	ListExamsBySection(ctx context.Context, section models.Section) ([]models.Exam, error)
	GetStudyPlan(ctx context.Context, userID string) (*models.StudyPlan, error)
	LatestWorkflowRun(ctx context.Context, userID string) (*models.WorkflowRun, error)
	LogError(source, scope, errMsg, fixSug string)
	LogAdminEvent(actor, action, target, notes string)
}

// TutorStore adds the dashboard queries.
type TutorStore interface {
	StudentStore
	GetExamResult(ctx context.Context, resultID string) (*models.ExamResult, error)
	ListExamResultsForUser(ctx context.Context, userID string) ([]models.ExamResult, error)
	ListUsers(ctx context.Context, f models.UserFilter) ([]models.UserSummary, int, error)
	GetDashboardMetrics(ctx context.Context) (models.DashboardMetrics, error)
	ListErrorLogs(ctx context.Context, search, source string, limit int) ([]models.ErrorLog, error)
	ListQuestionStats(ctx context.Context, search string, section models.Section) ([]models.QuestionStat, error)
	ListSettings(ctx context.Context) ([]models.Setting, error)
	UpdateSettings(ctx context.Context, actor string, updates map[string]string) error
	ListWorkflowRuns(ctx context.Context, status string, limit int) ([]models.WorkflowRun, error)
}

// PlanStarter queues study plan runs.
type PlanStarter interface {
	Start(ctx context.Context, t studyplan.Trigger, force bool) (runID string, created bool, err error)
}

// AuthSettings configures token issuance and the tutor login.
type AuthSettings struct {
	SigningKey    string
	Issuer        string
	TokenTTL      time.Duration
	TutorUser     string
	TutorPassHash string
}

// Deps are the collaborators of every handler.
type Deps struct {
	Store          TutorStore
	Sessions       *session.Manager
	Plans          PlanStarter
	Blobs          storage.BlobStore
	Auth           AuthSettings
	Ingest         func(ctx context.Context) error
	AllowedOrigins []string
}

var templateFuncs = template.FuncMap{
	"add": func(a, b int) int { return a + b },
	"date": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04")
	},
	"pct": func(f *float64) string {
		if f == nil {
			return "-"
		}
		return fmt.Sprintf("%.0f%%", *f*100)
	},
}

// LoadTemplates builds the tutor page renderer. Each page is rendered inside layout.html.
func LoadTemplates(dir string) multitemplate.Renderer {
	layout := filepath.Join(dir, "layout.html")
	r := multitemplate.NewRenderer()
	for _, name := range []string{
		"tutor_dashboard",
		"tutor_users",
		"tutor_user_detail",
		"tutor_error_logs",
		"tutor_workflow_runs",
		"tutor_question_stats",
		"tutor_settings",
	} {
		r.AddFromFilesFuncs(name, templateFuncs, layout, filepath.Join(dir, name+".html"))
	}
	return r
}

// NewRouter registers the student API and the tutor dashboard.
func NewRouter(d Deps, templatesDir string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger())
	router.HTMLRender = LoadTemplates(templatesDir)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	authMiddleware := middleware.AuthMiddleware(d.Auth.SigningKey, d.Auth.Issuer)

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/auth/anonymous", AnonymousSignIn(d.Store, d.Auth))
		apiV1.POST("/auth/tutor", TutorSignIn(d.Store, d.Auth))
	}

	student := apiV1.Group("")
	student.Use(authMiddleware, middleware.RoleCheckMiddleware([]string{middleware.RoleStudent}))
	{
		student.PUT("/profile", SaveProfile(d.Store))
		student.GET("/diagnostic", GetDiagnostic(d.Store))
		student.GET("/sections", ListSections(d.Store))
		student.POST("/exams/:exam_id/session", StartSession(d.Store, d.Sessions))
		student.DELETE("/exams/:exam_id/session", AbandonSession(d.Sessions))
		student.GET("/exams/:exam_id/questions/:question_id", GetQuestion(d.Sessions))
		student.POST("/exams/:exam_id/questions/:question_id/answer", SubmitAnswer(d.Store, d.Sessions, d.Plans))
		student.POST("/study_plan", TriggerStudyPlan(d.Store, d.Plans))
		student.GET("/study_plan", GetStudyPlan(d.Store, d.Blobs))
		student.GET("/study_plan/pdf", DownloadStudyPlan(d.Store, d.Blobs))
	}

	tutor := router.Group("/t")
	tutor.Use(authMiddleware, middleware.RoleCheckMiddleware([]string{middleware.RoleTutor, middleware.RoleAdmin}))
	{
		tutor.GET("/dashboard", TutorDashboard(d.Store))
		tutor.GET("/users", TutorListUsers(d.Store))
		tutor.GET("/users/:user_id", TutorUserDetail(d.Store))
		tutor.POST("/users/:user_id/study_plan", TutorForceStudyPlan(d.Store, d.Plans))
		tutor.GET("/exam_results/:id", TutorExamResult(d.Store))
		tutor.GET("/error_logs", TutorErrorLogs(d.Store))
		tutor.GET("/workflow_runs", TutorWorkflowRuns(d.Store))
		tutor.GET("/question_stats", TutorQuestionStats(d.Store))
		tutor.GET("/settings", TutorSettings(d.Store))
		tutor.POST("/settings", TutorUpdateSettings(d.Store))
		tutor.POST("/ingest", TriggerIngestion(d.Store, d.Ingest))
	}
	return router
}

// NewHandler wraps the router with CORS for the student frontend.
func NewHandler(d Deps, templatesDir string) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})(NewRouter(d, templatesDir))
}
