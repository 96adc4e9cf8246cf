// Package studyplan drafts a personalised SAT study plan with a language model
// and renders it to markdown, HTML and PDF.
package studyplan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/as-czyk/diagnostic-test/exam"
	"github.com/as-czyk/diagnostic-test/llm"
)

// Plan is the structured output requested from the model.
type Plan struct {
	Overview      string     `json:"overview"`
	LessonPlan    LessonPlan `json:"lesson_plan"`
	Sessions      []Session  `json:"sessions"`
	FinalThoughts string     `json:"final_thoughts"`
}

// LessonPlan proposes how many sessions each section needs.
type LessonPlan struct {
	MathSessions   int    `json:"math_sessions"`
	VerbalSessions int    `json:"verbal_sessions"`
	Rationale      string `json:"rationale"`
}

// Session is one tutoring session of the plan.
type Session struct {
	Title       string   `json:"title"`
	Section     string   `json:"section"` // math, verbal or mixed
	Objective   string   `json:"objective"`
	Description string   `json:"description"`
	FocusAreas  []string `json:"focus_areas"`
}

// PlanSchema constrains the model output. Kept within the subset every
// provider's structured output mode accepts.
var PlanSchema = &llm.Schema{
	Name:        "study-plan",
	Description: "A personalised SAT study plan built from diagnostic results",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"overview": map[string]any{"type": "string", "description": "Two to four sentences on strengths and weaknesses"},
			"lesson_plan": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"math_sessions":   map[string]any{"type": "integer"},
					"verbal_sessions": map[string]any{"type": "integer"},
					"rationale":       map[string]any{"type": "string"},
				},
				"required":             []string{"math_sessions", "verbal_sessions", "rationale"},
				"additionalProperties": false,
			},
			"sessions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":       map[string]any{"type": "string"},
						"section":     map[string]any{"type": "string", "enum": []string{"math", "verbal", "mixed"}},
						"objective":   map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"focus_areas": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required":             []string{"title", "section", "objective", "description", "focus_areas"},
					"additionalProperties": false,
				},
			},
			"final_thoughts": map[string]any{"type": "string", "description": "At most three sentences"},
		},
		"required":             []string{"overview", "lesson_plan", "sessions", "final_thoughts"},
		"additionalProperties": false,
	},
}

const systemPrompt = `You are an experienced SAT tutor who writes personalised study plans.
Base the plan on the student's diagnostic answers: find the subtopics and difficulty
levels where they lose points or spend too long, and weigh them against the gap between
their diagnostic score and their target score and the time left until the exam.
Propose a number of math and verbal sessions, then break the plan into sessions, each
with a title, an objective, a short description and the focus areas to improve.
Close with final thoughts of no more than three sentences.`

// Input is everything the draft stage needs about a student.
type Input struct {
	StudentName string
	ExamDate    time.Time
	TargetScore int
	Math        exam.PreparedResult
	Verbal      exam.PreparedResult
}

// BuildPrompt renders the diagnostic results of in as the user prompt.
func BuildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Student: %s\nExam date: %s\nTarget score: %d\n", in.StudentName, in.ExamDate.Format("2006-01-02"), in.TargetScore)
	fmt.Fprintf(&b, "Diagnostic composite score: %d\n", exam.CompositeScore(in.Math.Summary.Score, in.Verbal.Summary.Score))
	for _, r := range []exam.PreparedResult{in.Math, in.Verbal} {
		s := r.Summary
		fmt.Fprintf(&b, "\n## %s section: score %d, %d correct, %d incorrect, %d skipped, %d seconds\n",
			r.Section, s.Score, s.CorrectAnswers, s.IncorrectAnswers, s.SkippedQuestions, s.TimeSpentSeconds)
		for _, st := range s.Sections {
			fmt.Fprintf(&b, "- %s: %d/%d correct\n", st.Name, st.Correct, st.Total)
		}
		b.WriteString("Questions (number | subtopic | difficulty | outcome | seconds):\n")
		for _, q := range r.Questions {
			fmt.Fprintf(&b, "%d | %s | %s | %s | %d\n", q.Number, q.Subtopic, q.Difficulty, q.Outcome, q.TimeTaken)
		}
	}
	return b.String()
}

// Draft asks provider for a plan and renders it as markdown.
func Draft(ctx context.Context, provider llm.Provider, in Input, maxTokens int) (string, error) {
	req := llm.UserPrompt(systemPrompt, BuildPrompt(in))
	req.Schema = PlanSchema
	req.MaxTokens = maxTokens

	resp, err := provider.Generate(llm.WithPurpose(ctx, "study_plan"), req)
	if err != nil {
		return "", fmt.Errorf("generate plan: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal(resp.Content, &plan); err != nil {
		return "", &llm.ErrInvalidResponse{Content: resp.Content, Err: err}
	}
	if len(plan.Sessions) == 0 {
		return "", &llm.ErrInvalidResponse{Content: resp.Content, Err: fmt.Errorf("plan has no sessions")}
	}
	if plan.LessonPlan.MathSessions < 0 || plan.LessonPlan.VerbalSessions < 0 {
		return "", &llm.ErrInvalidResponse{Content: resp.Content, Err: fmt.Errorf("negative session count")}
	}
	return RenderMarkdown(in, plan)
}

var markdownTmpl = template.Must(template.New("plan").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`# SAT Study Plan for {{.In.StudentName}}

## Overview

- **Student Name:** {{.In.StudentName}}
- **Exam Date:** {{.In.ExamDate.Format "January 2, 2006"}}
- **Target Score:** {{.In.TargetScore}}
- **Diagnostic Score:** {{.Composite}} (Math {{.In.Math.Summary.Score}}, Verbal {{.In.Verbal.Summary.Score}})

{{.Plan.Overview}}

## Lesson Plan

- **Math sessions:** {{.Plan.LessonPlan.MathSessions}}
- **Verbal sessions:** {{.Plan.LessonPlan.VerbalSessions}}
- **Total sessions:** {{.Total}}

{{.Plan.LessonPlan.Rationale}}

## Session Breakdown and Focus Area
{{range $i, $s := .Plan.Sessions}}
### Session {{inc $i}}: {{$s.Title}}

- **Section:** {{$s.Section}}
- **Objective:** {{$s.Objective}}

{{$s.Description}}
{{if $s.FocusAreas}}
**Focus areas:**
{{range $s.FocusAreas}}
- {{.}}{{end}}
{{end}}{{end}}
## Final Thoughts

{{.Plan.FinalThoughts}}
`))

// RenderMarkdown lays out plan under the fixed section headings.
func RenderMarkdown(in Input, plan Plan) (string, error) {
	var buf bytes.Buffer
	err := markdownTmpl.Execute(&buf, map[string]any{
		"In":        in,
		"Plan":      plan,
		"Composite": exam.CompositeScore(in.Math.Summary.Score, in.Verbal.Summary.Score),
		"Total":     plan.LessonPlan.MathSessions + plan.LessonPlan.VerbalSessions,
	})
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
