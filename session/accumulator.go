package session

import (
	"fmt"
	"sync"

	"github.com/as-czyk/diagnostic-test/models"
)

// Accumulator is the append-only log of answer records for the active section.
// It does not de-duplicate; the Controller rejects second submissions instead.
type Accumulator struct {
	mu      sync.Mutex
	known   map[string]struct{}
	limit   int
	records []models.AnswerRecord
}

// NewAccumulator returns an Accumulator bound to exam.
func NewAccumulator(exam *models.Exam) *Accumulator {
	a := &Accumulator{}
	a.Bind(exam)
	return a
}

// Bind restricts the accumulator to the questions of exam and clears it.
func (a *Accumulator) Bind(exam *models.Exam) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.known = make(map[string]struct{})
	a.limit = 0
	if exam != nil {
		for _, id := range exam.QuestionIDs {
			a.known[id] = struct{}{}
		}
		a.limit = len(exam.QuestionIDs)
	}
	a.records = nil
}

// Add appends a record.
func (a *Accumulator) Add(r models.AnswerRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.known[r.QuestionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, r.QuestionID)
	}
	if r.TimeTaken < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeTime, r.TimeTaken)
	}
	if len(a.records) >= a.limit {
		return ErrResultsFull
	}
	a.records = append(a.records, r)
	return nil
}

// Results returns a copy of the ordered records.
func (a *Accumulator) Results() []models.AnswerRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AnswerRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Len returns the number of records added since the last Clear.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Clear empties the log.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = nil
}
