package session

import "github.com/as-czyk/diagnostic-test/models"

// State of a Navigator.
type State int

const (
	Unloaded State = iota
	InProgress
	Complete
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// Navigator sequences through the questions of one exam.
// It is not safe for concurrent use; the Controller serializes access.
type Navigator struct {
	exam     *models.Exam
	current  *models.Question
	complete bool
}

// LoadExam replaces the active exam; no question is current afterwards.
func (n *Navigator) LoadExam(exam *models.Exam) {
	n.exam = exam
	n.current = nil
	n.complete = false
}

// Exam returns the loaded exam or nil.
func (n *Navigator) Exam() *models.Exam {
	return n.exam
}

// SetCurrentQuestion marks q as the displayed question.
func (n *Navigator) SetCurrentQuestion(q *models.Question) {
	n.current = q
}

// CurrentQuestion returns the displayed question or nil.
func (n *Navigator) CurrentQuestion() *models.Question {
	return n.current
}

// CurrentQuestionIndex returns the zero-based position of the current question,
// or -1 when no exam is loaded, no question is current, or the question is not in the exam.
func (n *Navigator) CurrentQuestionIndex() int {
	if n.exam == nil || n.current == nil {
		return -1
	}
	for i, id := range n.exam.QuestionIDs {
		if id == n.current.ID {
			return i
		}
	}
	return -1
}

// NextQuestionID returns the ID after the current one. With no current
// question it returns the first ID. It returns false at the end of the exam
// and when the current question is not part of it.
func (n *Navigator) NextQuestionID() (string, bool) {
	if n.exam == nil || len(n.exam.QuestionIDs) == 0 {
		return "", false
	}
	if n.current == nil {
		return n.exam.QuestionIDs[0], true
	}
	i := n.CurrentQuestionIndex()
	if i < 0 || i >= len(n.exam.QuestionIDs)-1 {
		return "", false
	}
	return n.exam.QuestionIDs[i+1], true
}

// IsLastQuestion reports whether the current question is the final one.
func (n *Navigator) IsLastQuestion() bool {
	if n.exam == nil {
		return false
	}
	i := n.CurrentQuestionIndex()
	return i >= 0 && i == len(n.exam.QuestionIDs)-1
}

// MarkComplete moves the navigator to the terminal state.
func (n *Navigator) MarkComplete() {
	n.complete = true
}

// State reports the navigator state.
func (n *Navigator) State() State {
	switch {
	case n.exam == nil:
		return Unloaded
	case n.complete:
		return Complete
	default:
		return InProgress
	}
}
