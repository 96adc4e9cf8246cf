package session

import "errors"

var (
	ErrUnknownQuestion   = errors.New("question is not part of the active exam")
	ErrNegativeTime      = errors.New("time taken must not be negative")
	ErrResultsFull       = errors.New("result log already holds every question of the exam")
	ErrNoExam            = errors.New("no exam loaded")
	ErrNotCurrent        = errors.New("question is not the current question")
	ErrAlreadyAnswered   = errors.New("question already answered")
	ErrHandoffInProgress = errors.New("section completion in progress")
	ErrSectionComplete   = errors.New("section already complete")
	ErrInvalidAnswer     = errors.New("answer is not one of the question's choices")
	ErrSessionNotFound   = errors.New("session not found")
)
