package domain

import (
	"encoding"
	"time"
)

type TaskStatus string

const (
	TaskAssignable   TaskStatus = "ASSIGNABLE"
	TaskUnassignable TaskStatus = "UNASSIGNABLE"
	TaskReviewable   TaskStatus = "REVIEWABLE"
	TaskDisposed     TaskStatus = "DISPOSED"
)

// TaskParams are the creation parameters of a unit of work posted to the marketplace.
type TaskParams struct {
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	Keywords           string        `json:"keywords,omitempty"`
	Content            string        `json:"content,omitempty"` // what workers see (form URL, markup)
	Reward             float64       `json:"reward"`
	AssignmentDuration time.Duration `json:"assignmentDuration"`
	AutoApprovalDelay  time.Duration `json:"autoApprovalDelay"`
	Lifetime           time.Duration `json:"lifetime"`
	MaxSubmissions     int           `json:"maxSubmissions"`
	// UniqueRequestToken makes creation idempotent on the marketplace side.
	UniqueRequestToken string `json:"uniqueRequestToken,omitempty"`
}

// Task is the marketplace-side view of a posted unit of work. Local copies are
// refreshed by re-fetching, never mutated in place.
type Task struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	Keywords           string        `json:"keywords,omitempty"`
	Reward             float64       `json:"reward"`
	AssignmentDuration time.Duration `json:"assignmentDuration"`
	AutoApprovalDelay  time.Duration `json:"autoApprovalDelay"`
	MaxSubmissions     int           `json:"maxSubmissions"`
	Available          int           `json:"available"`
	Pending            int           `json:"pending"`
	Completed          int           `json:"completed"`
	Status             TaskStatus    `json:"status"`
	CreatedAt          time.Time     `json:"createdAt"`
	ExpiresAt          time.Time     `json:"expiresAt"`
}

// Expired reports whether the task stopped accepting work at or before now.
func (t *Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// DeriveStatus computes the marketplace status from capacity and expiration.
func (t *Task) DeriveStatus(now time.Time) TaskStatus {
	if t.Expired(now) || t.Available <= 0 {
		if t.Completed > 0 {
			return TaskReviewable
		}
		return TaskUnassignable
	}
	return TaskAssignable
}

var (
	_ encoding.BinaryMarshaler = TaskStatus("")
	_ encoding.TextMarshaler   = TaskStatus("")
)

func (s TaskStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s TaskStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
