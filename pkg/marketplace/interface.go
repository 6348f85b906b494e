package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/osvaldoandrade/crowdq/pkg/domain"
)

var (
	// ErrUnavailable is a transient failure: the service is momentarily unable to answer.
	ErrUnavailable = errors.New("service unavailable")

	// ErrNotFound is returned when the target object does not exist. It is terminal.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned for duplicate creation and repeated approval.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalid is returned when the service rejects a request as malformed.
	ErrInvalid = errors.New("invalid request")
)

// Operation names shared by providers, fault injection and the backend client.
const (
	OpCreateTask        = "create_task"
	OpGetTask           = "get_task"
	OpListSubmissions   = "list_submissions"
	OpExtendTask        = "extend_task"
	OpExpireTask        = "expire_task"
	OpApproveSubmission = "approve_submission"
	OpGrantBonus        = "grant_bonus"
)

// Bonus is an out-of-band payment to a worker tied to one submission.
type Bonus struct {
	WorkerID     string    `json:"workerId"`
	Amount       float64   `json:"amount"`
	SubmissionID string    `json:"submissionId"`
	Reason       string    `json:"reason"`
	Token        string    `json:"token,omitempty"`
	PaidAt       time.Time `json:"paidAt,omitempty"`
}

// Service is the raw remote capability set of a crowd-work marketplace.
// Implementations do not retry; callers go through the backend client.
type Service interface {
	CreateTask(ctx context.Context, params domain.TaskParams) (string, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error)
	// ExtendTask adds capacity and pushes expiration out by extraDuration,
	// counted from now when the task already expired.
	ExtendTask(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) error
	ExpireTask(ctx context.Context, id string) error
	ApproveSubmission(ctx context.Context, submissionID string, feedback string) error
	GrantBonus(ctx context.Context, bonus Bonus) error

	Health(ctx context.Context) error
	Close() error
}
