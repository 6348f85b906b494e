package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/osvaldoandrade/crowdq/internal/backoff"
	"github.com/osvaldoandrade/crowdq/internal/metrics"
	"github.com/osvaldoandrade/crowdq/internal/ratelimit"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"
)

// Client is the only path to the task backend. Every operation is retried
// under the configured backoff policy and at most one remote attempt is in
// flight at a time.
type Client interface {
	CreateTask(ctx context.Context, params domain.TaskParams) (string, error)
	// FetchTask reports ok=false without error when the task does not exist.
	FetchTask(ctx context.Context, id string) (*domain.Task, bool, error)
	ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error)
	ExtendTask(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) bool
	ExpireTask(ctx context.Context, id string) bool
	// ApproveSubmission treats an already approved submission as success.
	ApproveSubmission(ctx context.Context, submissionID string) bool
	// GrantBonus pays once per call. Callers must not call it twice for the same reward.
	GrantBonus(ctx context.Context, workerID string, amount float64, submissionID string, reason string) error
	// BackendHeaders lists the metadata keys this binding attaches to responses, sorted.
	BackendHeaders() []string
	Name() string
}

// TaskCreationError is returned when a task could not be posted.
type TaskCreationError struct {
	Title string
	Err   error
}

func (e *TaskCreationError) Error() string {
	return fmt.Sprintf("task creation failed for %q: %v", e.Title, e.Err)
}

func (e *TaskCreationError) Unwrap() error { return e.Err }

type Options struct {
	// Name of the marketplace binding, e.g. "memory" or "http".
	Name string
	// Credential identifies the rate-limited account; it is hashed before use as a key.
	Credential       string
	Retry            *backoff.Policy
	Limiter          ratelimit.Limiter
	Bucket           ratelimit.Bucket
	ExtraFields      []string
	ApprovalFeedback string
	Logger           *slog.Logger
}

type client struct {
	svc    marketplace.Service
	name   string
	cred   string
	retry  *backoff.Policy
	lim    ratelimit.Limiter
	bucket ratelimit.Bucket
	extra  []string
	fb     string
	logger *slog.Logger

	// mu serializes remote attempts on the shared connection; never held across backoff sleeps.
	mu sync.Mutex
}

func NewClient(svc marketplace.Service, opts Options) Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := opts.Retry
	if retry == nil {
		retry = backoff.DefaultPolicy(logger)
	}
	name := opts.Name
	if name == "" {
		name = "default"
	}
	cred := opts.Credential
	if cred == "" {
		cred = name
	}
	fb := opts.ApprovalFeedback
	if fb == "" {
		fb = "Thank you for participating."
	}
	return &client{
		svc:    svc,
		name:   name,
		cred:   cred,
		retry:  retry,
		lim:    opts.Limiter,
		bucket: opts.Bucket,
		extra:  append([]string(nil), opts.ExtraFields...),
		fb:     fb,
		logger: logger.With("backend", name),
	}
}

func (c *client) Name() string { return c.name }

func isUnavailable(err error) bool { return errors.Is(err, marketplace.ErrUnavailable) }

// The backend may still be finalizing an earlier create, so a duplicate is retried.
func isCreateTransient(err error) bool {
	return errors.Is(err, marketplace.ErrUnavailable) || errors.Is(err, marketplace.ErrAlreadyExists)
}

func (c *client) call(ctx context.Context, op, target string, transient func(error) bool, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer("crowdq/backend").Start(ctx, "crowdq.backend."+op,
		trace.WithAttributes(
			attribute.String("crowdq.backend", c.name),
			attribute.String("crowdq.target", target),
		),
	)
	defer span.End()

	err := c.retry.Do(ctx, op, target, transient, func(ctx context.Context) error {
		sleep := c.retry.Sleep
		if sleep == nil {
			sleep = backoff.SleepOrDone
		}
		held, err := ratelimit.Wait(ctx, c.lim, "backend", c.cred, c.bucket, sleep)
		if held > 0 {
			metrics.BackendRateLimitedTotal.WithLabelValues(op).Add(float64(held))
		}
		if err != nil {
			return err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		return fn(ctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func disposition(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, backoff.ErrTimedOut):
		return "timeout"
	case errors.Is(err, marketplace.ErrNotFound):
		return "not_found"
	default:
		return "failed"
	}
}

func (c *client) done(op, target string, err error) {
	if err == nil {
		c.logger.Debug("backend call done", "op", op, "target", target, "disposition", "success")
		return
	}
	c.logger.Warn("backend call done", "op", op, "target", target, "disposition", disposition(err), "err", err)
}

func (c *client) CreateTask(ctx context.Context, params domain.TaskParams) (string, error) {
	var id string
	err := c.call(ctx, marketplace.OpCreateTask, params.Title, isCreateTransient, func(ctx context.Context) error {
		var err error
		id, err = c.svc.CreateTask(ctx, params)
		return err
	})
	c.done(marketplace.OpCreateTask, params.Title, err)
	if err != nil {
		return "", &TaskCreationError{Title: params.Title, Err: err}
	}
	c.logger.Info("task created", "task_id", id, "title", params.Title, "capacity", params.MaxSubmissions)
	return id, nil
}

func (c *client) FetchTask(ctx context.Context, id string) (*domain.Task, bool, error) {
	var task *domain.Task
	err := c.call(ctx, marketplace.OpGetTask, id, isUnavailable, func(ctx context.Context) error {
		var err error
		task, err = c.svc.GetTask(ctx, id)
		return err
	})
	c.done(marketplace.OpGetTask, id, err)
	if errors.Is(err, marketplace.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

func (c *client) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	var subs []domain.Submission
	err := c.call(ctx, marketplace.OpListSubmissions, taskID, isUnavailable, func(ctx context.Context) error {
		var err error
		subs, err = c.svc.ListSubmissions(ctx, taskID)
		return err
	})
	c.done(marketplace.OpListSubmissions, taskID, err)
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []domain.Submission{}
	}
	return subs, nil
}

func (c *client) ExtendTask(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) bool {
	err := c.call(ctx, marketplace.OpExtendTask, id, isUnavailable, func(ctx context.Context) error {
		return c.svc.ExtendTask(ctx, id, extraCapacity, extraDuration)
	})
	c.done(marketplace.OpExtendTask, id, err)
	if err == nil {
		c.logger.Info("task extended", "task_id", id, "extra_capacity", extraCapacity, "extra_duration", extraDuration)
	}
	return err == nil
}

func (c *client) ExpireTask(ctx context.Context, id string) bool {
	err := c.call(ctx, marketplace.OpExpireTask, id, isUnavailable, func(ctx context.Context) error {
		return c.svc.ExpireTask(ctx, id)
	})
	c.done(marketplace.OpExpireTask, id, err)
	return err == nil
}

func (c *client) ApproveSubmission(ctx context.Context, submissionID string) bool {
	err := c.call(ctx, marketplace.OpApproveSubmission, submissionID, isUnavailable, func(ctx context.Context) error {
		return c.svc.ApproveSubmission(ctx, submissionID, c.fb)
	})
	if errors.Is(err, marketplace.ErrAlreadyExists) {
		err = nil
	}
	c.done(marketplace.OpApproveSubmission, submissionID, err)
	outcome := "approved"
	if err != nil {
		outcome = disposition(err)
	}
	metrics.SubmissionsApprovedTotal.WithLabelValues(outcome).Inc()
	return err == nil
}

func (c *client) GrantBonus(ctx context.Context, workerID string, amount float64, submissionID string, reason string) error {
	// One token per call makes retries of this call idempotent at the backend.
	bonus := marketplace.Bonus{
		WorkerID:     workerID,
		Amount:       amount,
		SubmissionID: submissionID,
		Reason:       reason,
		Token:        uuid.NewString(),
	}
	attempts := 0
	err := c.call(ctx, marketplace.OpGrantBonus, workerID, isUnavailable, func(ctx context.Context) error {
		attempts++
		return c.svc.GrantBonus(ctx, bonus)
	})
	if attempts > 1 && errors.Is(err, marketplace.ErrAlreadyExists) {
		// an earlier attempt of this same call was paid before its response was lost
		err = nil
	}
	c.done(marketplace.OpGrantBonus, workerID, err)
	if err != nil {
		return fmt.Errorf("grant bonus to %s for %s: %w", workerID, submissionID, err)
	}
	c.logger.Info("bonus granted", "worker_id", workerID, "submission_id", submissionID, "amount", amount)
	return nil
}

func (c *client) BackendHeaders() []string {
	seen := map[string]struct{}{domain.MetaAcceptTime: {}, domain.MetaSubmitTime: {}}
	out := []string{domain.MetaAcceptTime, domain.MetaSubmitTime}
	for _, f := range c.extra {
		if _, dup := seen[f]; dup || f == "" {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
