package session

import (
	"context"
	"errors"

	"github.com/as-czyk/diagnostic-test/models"
)

// Handoff steps, in execution order.
const (
	StepAppend     = "append_result"
	StepStopTimer  = "stop_timer"
	StepCollect    = "collect_results"
	StepPersist    = "persist_results"
	StepDiagnostic = "update_diagnostic"
	StepClear      = "clear_state"
	StepRoute      = "decide_route"
)

var errNoResultRef = errors.New("skipped: no result reference")

// StepError records a failed handoff step.
type StepError struct {
	Step    string `json:"step"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

// HandoffReport describes the outcome of a section completion. Failed steps
// are not rolled back; routing is always decided.
type HandoffReport struct {
	Section  models.Section          `json:"section"`
	ResultID string                  `json:"result_id,omitempty"`
	Summary  models.ResultSummary    `json:"summary"`
	Status   models.DiagnosticStatus `json:"status"`
	Route    string                  `json:"route"`
	Errors   []StepError             `json:"errors,omitempty"`
}

// Failed reports whether step failed.
func (r *HandoffReport) Failed(step string) bool {
	for _, e := range r.Errors {
		if e.Step == step {
			return true
		}
	}
	return false
}

func (r *HandoffReport) fail(userID, examID, step string, err error) {
	logStep(userID, examID, step, err)
	r.Errors = append(r.Errors, StepError{Step: step, Message: err.Error(), Err: err})
}

// complete runs the section completion handoff for the final record. The
// caller has set c.completing; ctx must not be cancellable by the client.
func (c *Controller) complete(ctx context.Context, final models.AnswerRecord) *HandoffReport {
	c.mu.Lock()
	e := c.nav.Exam()
	c.mu.Unlock()

	report := &HandoffReport{Section: e.Section}

	// 1. append the final record
	if err := c.acc.Add(final); err != nil {
		report.fail(c.userID, e.ID, StepAppend, err)
	}

	// 2. stop the timer
	c.timer.Stop()

	// 3. collect the result set
	records := c.acc.Results()
	if len(records) == 0 {
		report.fail(c.userID, e.ID, StepCollect, errors.New("no answer records collected"))
	}
	report.Summary = c.summarize(records)

	// 4. persist
	resultID, err := c.store.CreateExamResult(ctx, models.ExamResult{
		UserID:  c.userID,
		ExamID:  e.ID,
		Section: e.Section,
		Records: records,
		Summary: report.Summary,
	})
	if err != nil {
		report.fail(c.userID, e.ID, StepPersist, err)
	} else {
		report.ResultID = resultID
	}

	// 5. update the diagnostic reference of this section
	if report.ResultID == "" {
		report.fail(c.userID, e.ID, StepDiagnostic, errNoResultRef)
	} else if err := c.store.UpdateDiagnostic(ctx, c.userID, sectionPatch(e.Section, report.ResultID)); err != nil {
		report.fail(c.userID, e.ID, StepDiagnostic, err)
	}

	// 6. clear local state
	c.mu.Lock()
	c.timer.Reset()
	c.acc.Clear()
	c.nav.MarkComplete()
	c.completing = false
	c.mu.Unlock()

	// 7. re-read the authoritative status and route
	status, err := c.store.GetDiagnosticStatus(ctx, c.userID)
	if err != nil {
		report.fail(c.userID, e.ID, StepRoute, err)
		status = models.DiagnosticStatus{}
		switch e.Section {
		case models.SectionMath:
			status.HasMath = report.ResultID != ""
		case models.SectionVerbal:
			status.HasVerbal = report.ResultID != ""
		}
	}
	report.Status = status
	if status.IsComplete {
		report.Route = RouteResultGeneration
	} else {
		report.Route = RouteSectionSelection
	}
	return report
}

func sectionPatch(section models.Section, resultID string) models.DiagnosticPatch {
	var p models.DiagnosticPatch
	switch section {
	case models.SectionMath:
		p.MathResultID = &resultID
	case models.SectionVerbal:
		p.VerbalResultID = &resultID
	}
	return p
}
