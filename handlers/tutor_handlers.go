package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/as-czyk/diagnostic-test/db"
	"github.com/as-czyk/diagnostic-test/ingestion"
	"github.com/as-czyk/diagnostic-test/models"
)

// TutorDashboard renders the tutor dashboard with metrics and recent activity.
// GET /t/dashboard
func TutorDashboard(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics, err := store.GetDashboardMetrics(c.Request.Context())
		if err != nil {
			log.Printf("Error fetching recent admin events: %v", err)
		}

		c.HTML(http.StatusOK, "tutor_dashboard", gin.H{
			"Title":   "Diagnostic Tutor Dashboard",
			"Metrics": metrics,
			"Actor":   c.GetString("user_id"),
		})
	}
}

// TutorListUsers lists students with their scores and study plan status.
// GET /t/users
func TutorListUsers(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		f := db.NormalizeUserFilter(models.UserFilter{
			Search:   c.Query("search"),
			OrderBy:  c.DefaultQuery("order_by", "created_at"),
			OrderDir: c.DefaultQuery("order_dir", "desc"),
			Page:     page,
			PageSize: 25,
		})

		users, total, err := store.ListUsers(c.Request.Context(), f)
		if err != nil {
			log.Printf("Error querying users for tutor: %v", err)
			c.HTML(http.StatusInternalServerError, "tutor_users", gin.H{"Title": "Students", "error": "Failed to retrieve users"})
			return
		}
		totalPages := int(math.Ceil(float64(total) / float64(f.PageSize)))

		c.HTML(http.StatusOK, "tutor_users", gin.H{
			"Title":       "Students",
			"Users":       users,
			"TotalUsers":  total,
			"CurrentPage": f.Page,
			"TotalPages":  totalPages,
			"SearchQuery": f.Search,
			"OrderBy":     f.OrderBy,
			"OrderDir":    f.OrderDir,
			"Actor":       c.GetString("user_id"),
		})
	}
}

// TutorUserDetail shows one student's profile, section results and study plan.
// GET /t/users/:user_id
func TutorUserDetail(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := c.Param("user_id")

		d, err := store.GetDiagnostic(ctx, userID)
		if errors.Is(err, db.ErrNotFound) {
			c.HTML(http.StatusNotFound, "tutor_user_detail", gin.H{"Title": "Student", "error": fmt.Sprintf("User %s not found", userID)})
			return
		}
		if err != nil {
			log.Printf("Error reading diagnostic of %s: %v", userID, err)
			c.HTML(http.StatusInternalServerError, "tutor_user_detail", gin.H{"Title": "Student", "error": "Failed to retrieve user"})
			return
		}

		data := gin.H{
			"Title":  "Student",
			"UserID": userID,
			"Status": d.Status(),
			"Actor":  c.GetString("user_id"),
		}
		if p, err := store.GetProfile(ctx, userID); err == nil {
			data["Profile"] = p
		} else if !errors.Is(err, db.ErrNotFound) {
			log.Printf("Error reading profile of %s: %v", userID, err)
		}
		if results, err := store.ListExamResultsForUser(ctx, userID); err == nil {
			data["Results"] = results
		} else {
			log.Printf("Error reading results of %s: %v", userID, err)
		}
		if run, err := store.LatestWorkflowRun(ctx, userID); err == nil {
			data["Run"] = run
		}
		if plan, err := store.GetStudyPlan(ctx, userID); err == nil {
			data["Plan"] = plan
		}
		c.HTML(http.StatusOK, "tutor_user_detail", data)
	}
}

// TutorForceStudyPlan starts a fresh study plan run for a student, regardless of earlier runs.
// POST /t/users/:user_id/study_plan
func TutorForceStudyPlan(store TutorStore, plans PlanStarter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		startPlan(c, store, plans, userID, true)
		if c.Writer.Status() < http.StatusBadRequest {
			store.LogAdminEvent(c.GetString("user_id"), "force_study_plan", userID, "Study plan regeneration requested")
		}
	}
}

// TutorExamResult returns one stored section result.
// GET /t/exam_results/:id
func TutorExamResult(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := store.GetExamResult(c.Request.Context(), c.Param("id"))
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Exam result %s not found", c.Param("id"))})
			return
		}
		if err != nil {
			log.Printf("Error reading exam result %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve exam result"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// TutorErrorLogs displays validation and runtime error logs.
// GET /t/error_logs
func TutorErrorLogs(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		searchQuery := c.Query("search")
		searchSource := c.Query("source") // e.g., "ingestion", "session", "studyplan"

		logs, err := store.ListErrorLogs(c.Request.Context(), searchQuery, searchSource, 200)
		if err != nil {
			log.Printf("Error querying error logs: %v", err)
			c.HTML(http.StatusInternalServerError, "tutor_error_logs", gin.H{"Title": "Error Logs", "error": "Failed to retrieve error logs"})
			return
		}

		c.HTML(http.StatusOK, "tutor_error_logs", gin.H{
			"Title":        "Error Logs",
			"ErrorLogs":    logs,
			"SearchQuery":  searchQuery,
			"SearchSource": searchSource,
			"Actor":        c.GetString("user_id"),
		})
	}
}

// TutorWorkflowRuns lists recent study plan runs, optionally filtered by status.
// GET /t/workflow_runs
func TutorWorkflowRuns(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.Query("status")
		switch status {
		case "", models.RunPending, models.RunRunning, models.RunSucceeded, models.RunFailed:
		default:
			status = ""
		}

		runs, err := store.ListWorkflowRuns(c.Request.Context(), status, 100)
		if err != nil {
			log.Printf("Error querying workflow runs: %v", err)
			c.HTML(http.StatusInternalServerError, "tutor_workflow_runs", gin.H{"Title": "Study Plan Runs", "error": "Failed to retrieve workflow runs"})
			return
		}

		c.HTML(http.StatusOK, "tutor_workflow_runs", gin.H{
			"Title":  "Study Plan Runs",
			"Runs":   runs,
			"Status": status,
			"Actor":  c.GetString("user_id"),
		})
	}
}

// TutorQuestionStats displays observed difficulty per question.
// GET /t/question_stats
func TutorQuestionStats(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		searchQuery := c.Query("search")
		section := models.Section(c.Query("section"))
		if !section.Valid() {
			section = ""
		}

		stats, err := store.ListQuestionStats(c.Request.Context(), searchQuery, section)
		if err != nil {
			log.Printf("Error querying question stats: %v", err)
			c.HTML(http.StatusInternalServerError, "tutor_question_stats", gin.H{"Title": "Question Statistics", "error": "Failed to retrieve question stats"})
			return
		}

		c.HTML(http.StatusOK, "tutor_question_stats", gin.H{
			"Title":       "Question Statistics",
			"Stats":       stats,
			"SearchQuery": searchQuery,
			"Section":     section,
			"Actor":       c.GetString("user_id"),
		})
	}
}

// TutorSettings displays server settings.
// GET /t/settings
func TutorSettings(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := store.ListSettings(c.Request.Context())
		if err != nil {
			log.Printf("Error querying settings: %v", err)
			c.HTML(http.StatusInternalServerError, "tutor_settings", gin.H{"Title": "Server Settings", "error": "Failed to retrieve settings"})
			return
		}

		c.HTML(http.StatusOK, "tutor_settings", gin.H{
			"Title":    "Server Settings",
			"Settings": settings,
			"Actor":    c.GetString("user_id"),
		})
	}
}

// TutorUpdateSettings updates server settings from a form of key/value pairs.
// POST /t/settings
func TutorUpdateSettings(store TutorStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updates := make(map[string]string)
		for key, values := range c.Request.PostForm {
			if len(values) > 0 {
				updates[key] = strings.TrimSpace(values[0])
			}
		}
		if len(updates) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No settings submitted"})
			return
		}

		err := store.UpdateSettings(c.Request.Context(), c.GetString("user_id"), updates)
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			log.Printf("Error updating settings: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update settings"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Settings updated successfully"})
	}
}

// TriggerIngestion reloads the question bank and regenerates the section exams.
// POST /t/ingest
func TriggerIngestion(store TutorStore, ingest func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetString("user_id")
		if ingest == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Ingestion is not configured"})
			return
		}

		err := ingest(context.WithoutCancel(c.Request.Context()))
		if errors.Is(err, ingestion.ErrInvalidBank) {
			store.LogAdminEvent(actor, "manual_ingestion_failed", "bank", fmt.Sprintf("Error: %v", err))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "details": "See /t/error_logs?source=ingestion"})
			return
		}
		if err != nil {
			log.Printf("Error during manual ingestion: %v", err)
			store.LogAdminEvent(actor, "manual_ingestion_failed", "bank", fmt.Sprintf("Error: %v", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Ingestion failed: %v", err)})
			return
		}

		store.LogAdminEvent(actor, "manual_ingestion_success", "bank", "Ingestion and exam regeneration completed.")
		c.JSON(http.StatusOK, gin.H{"message": "Ingestion and exam regeneration completed."})
	}
}
