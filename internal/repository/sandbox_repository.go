package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/metrics"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// SandboxRepository keeps the state of a marketplace sandbox in Redis so several
// processes can share simulated workers and tasks.
type SandboxRepository interface {
	CreateTask(ctx context.Context, params domain.TaskParams) (*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ExtendTask(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) error
	ExpireTask(ctx context.Context, id string) error
	AddSubmission(ctx context.Context, taskID, workerID, answer string) (*domain.Submission, error)
	ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error)
	GetSubmission(ctx context.Context, id string) (*domain.Submission, error)
	ApproveSubmission(ctx context.Context, id string) error
	AddBonus(ctx context.Context, bonus marketplace.Bonus) error
	Bonuses(ctx context.Context) ([]marketplace.Bonus, error)
}

type sandboxRedisRepo struct {
	rdb *redis.Client
	now func() time.Time
}

func NewSandboxRepository(rdb *redis.Client, now func() time.Time) SandboxRepository {
	if now == nil {
		now = time.Now
	}
	return &sandboxRedisRepo{rdb: rdb, now: now}
}

// Optimistic transactions give up after this many WATCH conflicts.
const maxTxRetries = 16

// Tokens are retained long enough to outlive any task lifetime in practice.
const tokenRetention = 7 * 24 * time.Hour

// ===== Keys =====
func (r *sandboxRedisRepo) keyTasks() string       { return metrics.KeySandboxTasks }  // HASH: field=id, value=JSON
func (r *sandboxRedisRepo) keyStatus() string      { return metrics.KeySandboxStatus } // HASH: status -> count
func (r *sandboxRedisRepo) keyBonuses() string     { return metrics.KeySandboxBonuses }
func (r *sandboxRedisRepo) keySubmissions() string { return "crowdq:mk:submissions" } // HASH: field=id, value=JSON
func (r *sandboxRedisRepo) keyTaskSubs(taskID string) string {
	return fmt.Sprintf("crowdq:mk:task:%s:subs", taskID) // LIST of submission ids, oldest first
}
func (r *sandboxRedisRepo) keyCreateToken(token string) string {
	return fmt.Sprintf("crowdq:mk:token:%s", token)
}
func (r *sandboxRedisRepo) keyBonusToken(token string) string {
	return fmt.Sprintf("crowdq:mk:bonus:%s", token)
}

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalTask(js string) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal([]byte(js), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func unmarshalSubmission(js string) (*domain.Submission, error) {
	var s domain.Submission
	if err := json.Unmarshal([]byte(js), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// wrapRedis maps connectivity failures to the transient marketplace error.
func wrapRedis(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redis %s: %w: %v", op, marketplace.ErrUnavailable, err)
}

func (r *sandboxRedisRepo) CreateTask(ctx context.Context, params domain.TaskParams) (*domain.Task, error) {
	if strings.TrimSpace(params.Title) == "" || params.MaxSubmissions <= 0 || params.Lifetime <= 0 {
		return nil, fmt.Errorf("%w: title, maxSubmissions and lifetime are required", marketplace.ErrInvalid)
	}
	id := uuid.NewString()
	if params.UniqueRequestToken != "" {
		ok, err := r.rdb.SetNX(ctx, r.keyCreateToken(params.UniqueRequestToken), id, tokenRetention).Result()
		if err != nil {
			return nil, wrapRedis("SETNX create token", err)
		}
		if !ok {
			return nil, fmt.Errorf("token %s: %w", params.UniqueRequestToken, marketplace.ErrAlreadyExists)
		}
	}

	now := r.now().UTC()
	task := domain.Task{
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
	if err := r.rdb.HSet(ctx, r.keyTasks(), id, marshal(task)).Err(); err != nil {
		if params.UniqueRequestToken != "" {
			_ = r.rdb.Del(ctx, r.keyCreateToken(params.UniqueRequestToken)).Err()
		}
		return nil, wrapRedis("HSET task", err)
	}
	return &task, nil
}

func (r *sandboxRedisRepo) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	js, err := r.rdb.HGet(ctx, r.keyTasks(), id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("task %s: %w", id, marketplace.ErrNotFound)
	}
	if err != nil {
		return nil, wrapRedis("HGET task", err)
	}
	t, err := unmarshalTask(js)
	if err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	t.Status = t.DeriveStatus(r.now())
	return t, nil
}

// updateTask applies fn to the stored task under WATCH so concurrent writers never lose updates.
func (r *sandboxRedisRepo) updateTask(ctx context.Context, id string, fn func(t *domain.Task, pipe redis.Pipeliner) error) error {
	txf := func(tx *redis.Tx) error {
		js, err := tx.HGet(ctx, r.keyTasks(), id).Result()
		if err == redis.Nil {
			return fmt.Errorf("task %s: %w", id, marketplace.ErrNotFound)
		}
		if err != nil {
			return err
		}
		t, err := unmarshalTask(js)
		if err != nil {
			return fmt.Errorf("decode task %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := fn(t, pipe); err != nil {
				return err
			}
			t.Status = t.DeriveStatus(r.now())
			pipe.HSet(ctx, r.keyTasks(), id, marshal(t))
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, r.keyTasks())
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil && !isDomainError(err) {
			return wrapRedis("update task", err)
		}
		return err
	}
	return fmt.Errorf("update task %s: %w: too many concurrent writers", id, marketplace.ErrUnavailable)
}

func isDomainError(err error) bool {
	return errors.Is(err, marketplace.ErrNotFound) ||
		errors.Is(err, marketplace.ErrInvalid) ||
		errors.Is(err, marketplace.ErrAlreadyExists) ||
		errors.Is(err, marketplace.ErrUnavailable)
}

func (r *sandboxRedisRepo) ExtendTask(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) error {
	if extraCapacity < 0 || extraDuration < 0 {
		return fmt.Errorf("%w: negative extension", marketplace.ErrInvalid)
	}
	return r.updateTask(ctx, id, func(t *domain.Task, _ redis.Pipeliner) error {
		now := r.now().UTC()
		base := t.ExpiresAt
		if base.Before(now) {
			base = now
		}
		t.ExpiresAt = base.Add(extraDuration)
		t.MaxSubmissions += extraCapacity
		t.Available += extraCapacity
		return nil
	})
}

func (r *sandboxRedisRepo) ExpireTask(ctx context.Context, id string) error {
	return r.updateTask(ctx, id, func(t *domain.Task, _ redis.Pipeliner) error {
		now := r.now().UTC()
		if t.ExpiresAt.After(now) {
			t.ExpiresAt = now
		}
		return nil
	})
}

func (r *sandboxRedisRepo) AddSubmission(ctx context.Context, taskID, workerID, answer string) (*domain.Submission, error) {
	now := r.now().UTC()
	sub := &domain.Submission{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		WorkerID:   workerID,
		Answer:     answer,
		Status:     domain.SubmissionSubmitted,
		AcceptTime: now,
		SubmitTime: now,
	}
	err := r.updateTask(ctx, taskID, func(t *domain.Task, pipe redis.Pipeliner) error {
		if st := t.DeriveStatus(r.now()); st != domain.TaskAssignable {
			return fmt.Errorf("%w: task %s is %s", marketplace.ErrInvalid, taskID, st)
		}
		t.Available--
		t.Completed++
		pipe.HSet(ctx, r.keySubmissions(), sub.ID, marshal(sub))
		pipe.RPush(ctx, r.keyTaskSubs(taskID), sub.ID)
		pipe.HIncrBy(ctx, r.keyStatus(), string(domain.SubmissionSubmitted), 1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *sandboxRedisRepo) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	exists, err := r.rdb.HExists(ctx, r.keyTasks(), taskID).Result()
	if err != nil {
		return nil, wrapRedis("HEXISTS task", err)
	}
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, marketplace.ErrNotFound)
	}
	ids, err := r.rdb.LRange(ctx, r.keyTaskSubs(taskID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedis("LRANGE task subs", err)
	}
	if len(ids) == 0 {
		return []domain.Submission{}, nil
	}
	vals, err := r.rdb.HMGet(ctx, r.keySubmissions(), ids...).Result()
	if err != nil {
		return nil, wrapRedis("HMGET submissions", err)
	}
	out := make([]domain.Submission, 0, len(vals))
	for _, v := range vals {
		js, ok := v.(string)
		if !ok {
			continue
		}
		sub, err := unmarshalSubmission(js)
		if err != nil {
			continue
		}
		out = append(out, *sub)
	}
	return out, nil
}

func (r *sandboxRedisRepo) GetSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	js, err := r.rdb.HGet(ctx, r.keySubmissions(), id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("submission %s: %w", id, marketplace.ErrNotFound)
	}
	if err != nil {
		return nil, wrapRedis("HGET submission", err)
	}
	return unmarshalSubmission(js)
}

func (r *sandboxRedisRepo) ApproveSubmission(ctx context.Context, id string) error {
	txf := func(tx *redis.Tx) error {
		js, err := tx.HGet(ctx, r.keySubmissions(), id).Result()
		if err == redis.Nil {
			return fmt.Errorf("submission %s: %w", id, marketplace.ErrNotFound)
		}
		if err != nil {
			return err
		}
		sub, err := unmarshalSubmission(js)
		if err != nil {
			return fmt.Errorf("decode submission %s: %w", id, err)
		}
		switch sub.Status {
		case domain.SubmissionApproved:
			return fmt.Errorf("submission %s approved: %w", id, marketplace.ErrAlreadyExists)
		case domain.SubmissionRejected:
			return fmt.Errorf("%w: submission %s was rejected", marketplace.ErrInvalid, id)
		}
		prev := sub.Status
		sub.Status = domain.SubmissionApproved
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.keySubmissions(), id, marshal(sub))
			pipe.HIncrBy(ctx, r.keyStatus(), string(prev), -1)
			pipe.HIncrBy(ctx, r.keyStatus(), string(domain.SubmissionApproved), 1)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, r.keySubmissions())
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil && !isDomainError(err) {
			return wrapRedis("approve submission", err)
		}
		return err
	}
	return fmt.Errorf("approve submission %s: %w: too many concurrent writers", id, marketplace.ErrUnavailable)
}

func (r *sandboxRedisRepo) AddBonus(ctx context.Context, bonus marketplace.Bonus) error {
	if bonus.Amount <= 0 || strings.TrimSpace(bonus.Reason) == "" {
		return fmt.Errorf("%w: bonus needs a positive amount and a reason", marketplace.ErrInvalid)
	}
	sub, err := r.GetSubmission(ctx, bonus.SubmissionID)
	if err != nil {
		return err
	}
	if sub.WorkerID != bonus.WorkerID {
		return fmt.Errorf("submission %s for worker %s: %w", bonus.SubmissionID, bonus.WorkerID, marketplace.ErrNotFound)
	}
	if bonus.Token != "" {
		ok, err := r.rdb.SetNX(ctx, r.keyBonusToken(bonus.Token), bonus.SubmissionID, tokenRetention).Result()
		if err != nil {
			return wrapRedis("SETNX bonus token", err)
		}
		if !ok {
			return fmt.Errorf("bonus %s: %w", bonus.Token, marketplace.ErrAlreadyExists)
		}
	}
	bonus.PaidAt = r.now().UTC()
	if err := r.rdb.RPush(ctx, r.keyBonuses(), marshal(bonus)).Err(); err != nil {
		return wrapRedis("RPUSH bonus", err)
	}
	return nil
}

func (r *sandboxRedisRepo) Bonuses(ctx context.Context) ([]marketplace.Bonus, error) {
	vals, err := r.rdb.LRange(ctx, r.keyBonuses(), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, wrapRedis("LRANGE bonuses", err)
	}
	out := make([]marketplace.Bonus, 0, len(vals))
	for _, js := range vals {
		var b marketplace.Bonus
		if err := json.Unmarshal([]byte(js), &b); err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
