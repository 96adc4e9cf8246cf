package studyplan

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/as-czyk/diagnostic-test/exam"
	"github.com/as-czyk/diagnostic-test/llm"
	"github.com/as-czyk/diagnostic-test/models"
	"github.com/as-czyk/diagnostic-test/storage"
)

// Workflow stages, in execution order.
const (
	StageDraft = "draft"
	StageHTML  = "html"
	StagePDF   = "pdf"
	StageStore = "store"
)

// Sources reads the diagnostic results a plan is built from.
type Sources interface {
	GetExamResult(ctx context.Context, resultID string) (*models.ExamResult, error)
	GetQuestion(ctx context.Context, questionID string) (*models.Question, error)
}

// PlanStore persists finished plans.
type PlanStore interface {
	UpsertStudyPlan(ctx context.Context, plan models.StudyPlan) error
}

// Workflow runs draft → HTML → PDF for one student.
type Workflow struct {
	provider  llm.Provider
	sources   Sources
	plans     PlanStore
	blobs     storage.BlobStore
	maxTokens int
}

// NewWorkflow wires the stages to their dependencies.
func NewWorkflow(provider llm.Provider, sources Sources, plans PlanStore, blobs storage.BlobStore, maxTokens int) *Workflow {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Workflow{provider: provider, sources: sources, plans: plans, blobs: blobs, maxTokens: maxTokens}
}

// Execute runs every stage for run, reporting each stage before it starts.
// A failing stage aborts the run and its error names the stage.
func (w *Workflow) Execute(ctx context.Context, run models.WorkflowRun, onStage func(stage string)) (*models.StudyPlan, error) {
	if onStage == nil {
		onStage = func(string) {}
	}

	onStage(StageDraft)
	in, err := w.input(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageDraft, err)
	}
	markdown, err := Draft(ctx, w.provider, in, w.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageDraft, err)
	}

	onStage(StageHTML)
	doc, err := ToHTML(markdown, "SAT Study Plan for "+run.StudentName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageHTML, err)
	}

	onStage(StagePDF)
	pdf, err := RenderPDF(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StagePDF, err)
	}

	onStage(StageStore)
	key, err := w.blobs.Put(storage.StudyPlanKey(run.UserID), bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("%s: put pdf: %w", StageStore, err)
	}
	plan := models.StudyPlan{UserID: run.UserID, Markdown: markdown, HTML: doc, PDFKey: key}
	if err := w.plans.UpsertStudyPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("%s: %w", StageStore, err)
	}

	log.Printf("[STUDYPLAN] run %s: stored plan for user %s (%d bytes pdf)", run.ID, run.UserID, len(pdf))
	return &plan, nil
}

func (w *Workflow) input(ctx context.Context, run models.WorkflowRun) (Input, error) {
	in := Input{StudentName: run.StudentName, ExamDate: run.ExamDate, TargetScore: run.TargetScore}

	mathResult, err := w.sources.GetExamResult(ctx, run.MathResultID)
	if err != nil {
		return in, fmt.Errorf("math result: %w", err)
	}
	verbalResult, err := w.sources.GetExamResult(ctx, run.VerbalResultID)
	if err != nil {
		return in, fmt.Errorf("verbal result: %w", err)
	}
	in.Math = exam.PrepareExamData(ctx, w.sources, *mathResult)
	in.Verbal = exam.PrepareExamData(ctx, w.sources, *verbalResult)
	return in, nil
}
