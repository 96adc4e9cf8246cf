package session

import "fmt"

// Client routes the state machine hands back to the caller.
const (
	RouteSectionSelection = "/f/diagnostic-test"
	RouteResultGeneration = "/f/generate-result"
)

// QuestionRoute is the per-question screen for examID and questionID.
func QuestionRoute(examID, questionID string) string {
	return fmt.Sprintf("/f/diagnostic-test/%s/q/%s", examID, questionID)
}
