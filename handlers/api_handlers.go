package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/models"
	"github.com/as-czyk/diagnostic-test/session"
	"github.com/as-czyk/diagnostic-test/storage"
	"github.com/as-czyk/diagnostic-test/studyplan"
)

// sessionStatus maps session and store errors onto HTTP statuses.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrUnknownQuestion),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidAnswer):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotCurrent),
		errors.Is(err, session.ErrAlreadyAnswered),
		errors.Is(err, session.ErrHandoffInProgress),
		errors.Is(err, session.ErrSectionComplete),
		errors.Is(err, session.ErrNoExam):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error, msg string) {
	status := sessionStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("%s: %v", msg, err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// SaveProfile captures the student profile and links it to the diagnostic.
// PUT /api/v1/profile
func SaveProfile(store StudentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		examDate, err := time.Parse("2006-01-02", req.ExamDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exam_date must be formatted as YYYY-MM-DD"})
			return
		}

		p := models.UserProfile{
			UserID:       c.GetString("user_id"),
			FirstName:    strings.TrimSpace(req.FirstName),
			LastName:     strings.TrimSpace(req.LastName),
			Email:        strings.TrimSpace(req.Email),
			ExamDate:     examDate,
			DesiredScore: req.DesiredScore,
		}
		if m := strings.TrimSpace(req.Motivation); m != "" {
			p.Motivation = &m
		}
		saved, err := store.UpsertProfile(c.Request.Context(), p)
		if err != nil {
			log.Printf("Error saving profile for user %s: %v", p.UserID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save profile"})
			return
		}
		c.JSON(http.StatusOK, saved)
	}
}

// GetDiagnostic returns the completion flags of the caller's diagnostic.
// GET /api/v1/diagnostic
func GetDiagnostic(store StudentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := store.GetDiagnosticStatus(c.Request.Context(), c.GetString("user_id"))
		if err != nil {
			log.Printf("Error reading diagnostic status: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve diagnostic"})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// ListSections lists the exams of each section with the caller's completion flags.
// GET /api/v1/sections
func ListSections(store StudentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		status, err := store.GetDiagnosticStatus(ctx, c.GetString("user_id"))
		if err != nil {
			log.Printf("Error reading diagnostic status: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve diagnostic"})
			return
		}

		sections := make([]models.SectionExams, 0, len(models.Sections))
		for _, s := range models.Sections {
			exams, err := store.ListExamsBySection(ctx, s)
			if err != nil {
				log.Printf("Error listing %s exams: %v", s, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve exams"})
				return
			}
			if exams == nil {
				exams = []models.Exam{}
			}
			sections = append(sections, models.SectionExams{Section: s, Completed: status.Completed(s), Exams: exams})
		}
		c.JSON(http.StatusOK, gin.H{"sections": sections, "status": status})
	}
}

// StartSession starts or resumes the caller's session on an exam.
// POST /api/v1/exams/:exam_id/session
func StartSession(store StudentStore, sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := c.GetString("user_id")
		examID := c.Param("exam_id")

		e, err := store.GetExam(ctx, examID)
		if err != nil {
			abortWithError(c, err, "Failed to retrieve exam")
			return
		}
		status, err := store.GetDiagnosticStatus(ctx, userID)
		if err != nil {
			log.Printf("Error reading diagnostic status: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve diagnostic"})
			return
		}
		if status.Completed(e.Section) {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("%s section already completed", e.Section), "route": session.RouteSectionSelection})
			return
		}

		ctrl, route, err := sessions.Start(ctx, userID, examID)
		if err != nil {
			abortWithError(c, err, "Failed to start session")
			return
		}
		log.Printf("[SESSION] user %s started exam %s (%s)", userID, examID, ctrl.State())
		c.JSON(http.StatusOK, gin.H{
			"exam_id":         e.ID,
			"section":         e.Section,
			"total_questions": len(e.QuestionIDs),
			"answered":        ctrl.Answered(),
			"route":           route,
		})
	}
}

// AbandonSession drops the caller's session on an exam.
// DELETE /api/v1/exams/:exam_id/session
func AbandonSession(sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sessions.Abandon(c.GetString("user_id"), c.Param("exam_id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": session.ErrSessionNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Session abandoned", "route": session.RouteSectionSelection})
	}
}

// GetQuestion shows a question of the active session and starts its timer.
// GET /api/v1/exams/:exam_id/questions/:question_id
func GetQuestion(sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, err := sessions.Get(c.GetString("user_id"), c.Param("exam_id"))
		if err != nil {
			abortWithError(c, err, "Failed to retrieve session")
			return
		}
		view, err := ctrl.ShowQuestion(c.Request.Context(), c.Param("question_id"))
		if err != nil {
			abortWithError(c, err, "Failed to retrieve question")
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// SubmitAnswer records the answer to the current question. The last answer of a
// section runs the completion handoff; completing the diagnostic queues the study plan.
// POST /api/v1/exams/:exam_id/questions/:question_id/answer
func SubmitAnswer(store StudentStore, sessions *session.Manager, plans PlanStarter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.AnswerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID := c.GetString("user_id")
		examID := c.Param("exam_id")

		ctrl, err := sessions.Get(userID, examID)
		if err != nil {
			abortWithError(c, err, "Failed to retrieve session")
			return
		}
		res, err := ctrl.Submit(c.Request.Context(), c.Param("question_id"), req.Answer)
		if err != nil {
			abortWithError(c, err, "Failed to record answer")
			return
		}

		if res.Handoff != nil {
			for _, stepErr := range res.Handoff.Errors {
				store.LogError("session", userID,
					fmt.Sprintf("Section %s of exam %s: step %s failed: %s", res.Handoff.Section, examID, stepErr.Step, stepErr.Message),
					"Check database connectivity; the student may need to retake the section.")
			}
			log.Printf("[SESSION] user %s completed %s section, routing to %s", userID, res.Handoff.Section, res.Route)
			if res.Route == session.RouteResultGeneration {
				queueStudyPlan(context.WithoutCancel(c.Request.Context()), store, plans, userID)
			}
		}
		c.JSON(http.StatusOK, res)
	}
}

// queueStudyPlan starts the plan of a user who just finished the diagnostic. Failures are logged only.
func queueStudyPlan(ctx context.Context, store StudentStore, plans PlanStarter, userID string) {
	trigger, err := buildTrigger(ctx, store, userID)
	if err != nil {
		log.Printf("[STUDYPLAN] not queued for user %s: %v", userID, err)
		return
	}
	if _, _, err := plans.Start(ctx, trigger, false); err != nil {
		log.Printf("Error queueing study plan for user %s: %v", userID, err)
		store.LogError("studyplan", userID, fmt.Sprintf("Failed to queue study plan: %v", err), "Trigger the plan from the tutor dashboard.")
	}
}

// buildTrigger assembles the workflow input from the profile and diagnostic of userID.
func buildTrigger(ctx context.Context, store StudentStore, userID string) (studyplan.Trigger, error) {
	d, err := store.GetDiagnostic(ctx, userID)
	if err != nil {
		return studyplan.Trigger{}, err
	}
	if d.MathResultID == nil || d.VerbalResultID == nil {
		return studyplan.Trigger{}, studyplan.ErrDiagnosticIncomplete
	}
	p, err := store.GetProfile(ctx, userID)
	if err != nil {
		return studyplan.Trigger{}, err
	}
	return studyplan.TriggerFor(p, d)
}

func startPlan(c *gin.Context, store StudentStore, plans PlanStarter, userID string, force bool) {
	ctx := c.Request.Context()
	trigger, err := buildTrigger(ctx, store, userID)
	switch {
	case errors.Is(err, studyplan.ErrDiagnosticIncomplete):
		c.JSON(http.StatusConflict, gin.H{"error": "Both sections must be completed first", "route": session.RouteSectionSelection})
		return
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": "Profile and diagnostic are required before a study plan"})
		return
	case err != nil:
		log.Printf("Error preparing study plan for user %s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to prepare study plan"})
		return
	}

	runID, created, err := plans.Start(context.WithoutCancel(ctx), trigger, force)
	if errors.Is(err, studyplan.ErrInvalidTrigger) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Printf("Error starting study plan for user %s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start study plan"})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"run_id": runID, "created": created})
}

// TriggerStudyPlan queues the caller's study plan. A user with an active or finished run gets that run back.
// POST /api/v1/study_plan
func TriggerStudyPlan(store StudentStore, plans PlanStarter) gin.HandlerFunc {
	return func(c *gin.Context) {
		startPlan(c, store, plans, c.GetString("user_id"), false)
	}
}

// GetStudyPlan reports the caller's latest run and, once stored, the plan.
// GET /api/v1/study_plan
func GetStudyPlan(store StudentStore, blobs storage.BlobStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := c.GetString("user_id")

		resp := gin.H{}
		run, err := store.LatestWorkflowRun(ctx, userID)
		switch {
		case err == nil:
			resp["run"] = run
		case !errors.Is(err, db.ErrNotFound):
			log.Printf("Error reading study plan run for user %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve study plan"})
			return
		}

		plan, err := store.GetStudyPlan(ctx, userID)
		switch {
		case err == nil:
			url, err := blobs.SignedURL(plan.PDFKey)
			if err != nil {
				log.Printf("Warning: no URL for %s: %v", plan.PDFKey, err)
			}
			resp["plan"] = gin.H{"created_at": plan.CreatedAt, "markdown": plan.Markdown, "pdf_url": url}
		case !errors.Is(err, db.ErrNotFound):
			log.Printf("Error reading study plan for user %s: %v", userID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve study plan"})
			return
		}

		if len(resp) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "No study plan requested yet"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// DownloadStudyPlan streams the caller's study plan PDF.
// GET /api/v1/study_plan/pdf
func DownloadStudyPlan(store StudentStore, blobs storage.BlobStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		plan, err := store.GetStudyPlan(c.Request.Context(), userID)
		if err != nil {
			abortWithError(c, err, "Failed to retrieve study plan")
			return
		}
		rc, err := blobs.Get(plan.PDFKey)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Study plan PDF not found"})
			return
		}
		if err != nil {
			log.Printf("Error opening %s: %v", plan.PDFKey, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read study plan"})
			return
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			log.Printf("Error reading %s: %v", plan.PDFKey, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read study plan"})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="study-plan.pdf"`)
		c.Data(http.StatusOK, "application/pdf", data)
	}
}
