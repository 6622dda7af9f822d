package domain

import "time"

// EmpathyAttempt is one revision of a guesser's empathy statement.
// Attempts are never deleted; a newer revision marks the older one superseded.
type EmpathyAttempt struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	GuesserID    string    `json:"guesser_id"`
	SubjectID    string    `json:"subject_id"`
	Text         string    `json:"text"`
	Revision     int       `json:"revision"`
	Status       State     `json:"status"`
	IsSuperseded bool      `json:"is_superseded"`
	CreatedAt    time.Time `json:"created_at"`
}
