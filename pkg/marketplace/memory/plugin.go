package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"
)

// Sandbox is an in-process marketplace. It simulates workers through Submit
// and injects failures through FailNext. It is meant for tests and dry runs.
type Sandbox struct {
	mu          sync.Mutex
	now         func() time.Time
	tasks       map[string]*domain.Task
	order       []string
	submissions map[string]*domain.Submission
	byTask      map[string][]string
	tokens      map[string]string
	bonuses     []marketplace.Bonus
	bonusTokens map[string]struct{}
	faults      map[string][]error
	calls       map[string]int
}

// NewSandbox creates an empty sandbox. A nil now uses time.Now.
func NewSandbox(now func() time.Time) *Sandbox {
	if now == nil {
		now = time.Now
	}
	return &Sandbox{
		now:         now,
		tasks:       make(map[string]*domain.Task),
		submissions: make(map[string]*domain.Submission),
		byTask:      make(map[string][]string),
		tokens:      make(map[string]string),
		bonusTokens: make(map[string]struct{}),
		faults:      make(map[string][]error),
		calls:       make(map[string]int),
	}
}

func NewPlugin(config marketplace.PluginConfig) (marketplace.Service, error) {
	return NewSandbox(config.Now), nil
}

func init() {
	marketplace.RegisterProvider("memory", NewPlugin)
}

// FailNext makes the next n calls of op fail with err before touching state.
func (s *Sandbox) FailNext(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults[op] = append(s.faults[op], err)
	}
}

// Calls returns how many times op was invoked, injected failures included.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter must be called with s.mu held.
func (s *Sandbox) enter(op string) error {
	s.calls[op]++
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	s.faults[op] = q[1:]
	return err
}

func (s *Sandbox) CreateTask(ctx context.Context, params domain.TaskParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(marketplace.OpCreateTask); err != nil {
		return "", err
	}
	if strings.TrimSpace(params.Title) == "" || params.MaxSubmissions <= 0 || params.Lifetime <= 0 {
		return "", fmt.Errorf("%w: title, maxSubmissions and lifetime are required", marketplace.ErrInvalid)
	}
	if params.UniqueRequestToken != "" {
		if id, ok := s.tokens[params.UniqueRequestToken]; ok {
			return "", fmt.Errorf("%w: token already used by task %s", marketplace.ErrAlreadyExists, id)
		}
	}

	now := s.now().UTC()
	id := uuid.NewString()
	s.tasks[id] = &domain.Task{
		ID:                 id,
		Title:              params.Title,
		Description:        params.Description,
		Keywords:           params.Keywords,
		Reward:             params.Reward,
		AssignmentDuration: params.AssignmentDuration,
		AutoApprovalDelay:  params.AutoApprovalDelay,
		MaxSubmissions:     params.MaxSubmissions,
		Available:          params.MaxSubmissions,
		Status:             domain.TaskAssignable,
		CreatedAt:          now,
		ExpiresAt:          now.Add(params.Lifetime),
	}
	s.order = append(s.order, id)
	if params.UniqueRequestToken != "" {
		s.tokens[params.UniqueRequestToken] = id
	}
	return id, nil
}

func (s *Sandbox) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(marketplace.OpGetTask); err != nil {
		return nil, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, marketplace.ErrNotFound)
	}
	s.refresh(t)
	cp := *t
	return &cp, nil
}

func (s *Sandbox) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(marketplace.OpListSubmissions); err != nil {
		return nil, err
	}
	if _, ok := s.tasks[taskID]; !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, marketplace.ErrNotFound)
	}
	ids := s.byTask[taskID]
	out := make([]domain.Submission, 0, len(ids))
	for _, sid := range ids {
		out = append(out, *s.submissions[sid])
	}
	return out, nil
}

func (s *Sandbox) ExtendTask(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(marketplace.OpExtendTask); err != nil {
		return err
	}
	if extraCapacity < 0 || extraDuration < 0 {
		return fmt.Errorf("%w: negative extension", marketplace.ErrInvalid)
	}
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, marketplace.ErrNotFound)
	}
	now := s.now().UTC()
	base := t.ExpiresAt
	if base.Before(now) {
		base = now
	}
	t.ExpiresAt = base.Add(extraDuration)
	t.MaxSubmissions += extraCapacity
	t.Available += extraCapacity
	s.refresh(t)
	return nil
}

func (s *Sandbox) ExpireTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(marketplace.OpExpireTask); err != nil {
		return err
	}
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, marketplace.ErrNotFound)
	}
	now := s.now().UTC()
	if t.ExpiresAt.After(now) {
		t.ExpiresAt = now
	}
	s.refresh(t)
	return nil
}

func (s *Sandbox) ApproveSubmission(ctx context.Context, submissionID string, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(marketplace.OpApproveSubmission); err != nil {
		return err
	}
	sub, ok := s.submissions[submissionID]
	if !ok {
		return fmt.Errorf("submission %s: %w", submissionID, marketplace.ErrNotFound)
	}
	switch sub.Status {
	case domain.SubmissionApproved:
		return fmt.Errorf("submission %s approved: %w", submissionID, marketplace.ErrAlreadyExists)
	case domain.SubmissionRejected:
		return fmt.Errorf("%w: submission %s was rejected", marketplace.ErrInvalid, submissionID)
	}
	sub.Status = domain.SubmissionApproved
	return nil
}

func (s *Sandbox) GrantBonus(ctx context.Context, bonus marketplace.Bonus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(marketplace.OpGrantBonus); err != nil {
		return err
	}
	if bonus.Amount <= 0 || strings.TrimSpace(bonus.Reason) == "" {
		return fmt.Errorf("%w: bonus needs a positive amount and a reason", marketplace.ErrInvalid)
	}
	sub, ok := s.submissions[bonus.SubmissionID]
	if !ok || sub.WorkerID != bonus.WorkerID {
		return fmt.Errorf("submission %s for worker %s: %w", bonus.SubmissionID, bonus.WorkerID, marketplace.ErrNotFound)
	}
	if bonus.Token != "" {
		if _, dup := s.bonusTokens[bonus.Token]; dup {
			return fmt.Errorf("bonus %s: %w", bonus.Token, marketplace.ErrAlreadyExists)
		}
		s.bonusTokens[bonus.Token] = struct{}{}
	}
	bonus.PaidAt = s.now().UTC()
	s.bonuses = append(s.bonuses, bonus)
	return nil
}

func (s *Sandbox) Health(ctx context.Context) error { return nil }

func (s *Sandbox) Close() error { return nil }

// Submit simulates a worker accepting and submitting the task with answer.
func (s *Sandbox) Submit(taskID, workerID, answer string) (domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Submission{}, fmt.Errorf("task %s: %w", taskID, marketplace.ErrNotFound)
	}
	s.refresh(t)
	if t.Status != domain.TaskAssignable {
		return domain.Submission{}, fmt.Errorf("%w: task %s is %s", marketplace.ErrInvalid, taskID, t.Status)
	}
	now := s.now().UTC()
	sub := &domain.Submission{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		WorkerID:   workerID,
		Answer:     answer,
		Status:     domain.SubmissionSubmitted,
		AcceptTime: now,
		SubmitTime: now,
	}
	s.submissions[sub.ID] = sub
	s.byTask[taskID] = append(s.byTask[taskID], sub.ID)
	t.Available--
	t.Completed++
	s.refresh(t)
	return *sub, nil
}

// Submission returns the current state of a submission.
func (s *Sandbox) Submission(id string) (domain.Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return domain.Submission{}, false
	}
	return *sub, true
}

// Bonuses returns every bonus paid so far, oldest first.
func (s *Sandbox) Bonuses() []marketplace.Bonus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]marketplace.Bonus(nil), s.bonuses...)
}

// TaskIDs returns the ids of every task created, in creation order.
func (s *Sandbox) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// refresh recomputes the derived status; must be called with s.mu held.
func (s *Sandbox) refresh(t *domain.Task) {
	t.Status = t.DeriveStatus(s.now())
}
