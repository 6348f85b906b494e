package domain

import (
	"encoding"
	"time"
)

type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "SUBMITTED"
	SubmissionApproved  SubmissionStatus = "APPROVED"
	SubmissionRejected  SubmissionStatus = "REJECTED"
)

// Submission is one worker's raw answer payload for a task, as reported by the marketplace.
type Submission struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"taskId"`
	WorkerID   string           `json:"workerId"`
	Answer     string           `json:"answer"` // marketplace-specific encoding
	Status     SubmissionStatus `json:"status"`
	AcceptTime time.Time        `json:"acceptTime"`
	SubmitTime time.Time        `json:"submitTime"`
}

var (
	_ encoding.BinaryMarshaler = SubmissionStatus("")
	_ encoding.TextMarshaler   = SubmissionStatus("")
)

func (s SubmissionStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s SubmissionStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
