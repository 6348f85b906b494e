package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/metrics"
	"github.com/osvaldoandrade/crowdq/internal/repository"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis-specific configuration.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Plugin is a marketplace sandbox whose state lives in Redis, so a worker
// simulator in another process can submit against the same tasks.
type Plugin struct {
	client *redis.Client
	repo   repository.SandboxRepository
}

func NewPlugin(config marketplace.PluginConfig) (marketplace.Service, error) {
	var cfg Config
	if len(config.Config) > 0 {
		if err := json.Unmarshal(config.Config, &cfg); err != nil {
			return nil, fmt.Errorf("redis marketplace config: %w", err)
		}
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis marketplace config: addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	metrics.RegisterSandboxCollector(client, config.Logger)
	return NewWithClient(client, config.Now), nil
}

// NewWithClient wraps an existing client; Close will close it.
func NewWithClient(client *redis.Client, now func() time.Time) *Plugin {
	return &Plugin{
		client: client,
		repo:   repository.NewSandboxRepository(client, now),
	}
}

func (p *Plugin) CreateTask(ctx context.Context, params domain.TaskParams) (string, error) {
	t, err := p.repo.CreateTask(ctx, params)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

func (p *Plugin) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return p.repo.GetTask(ctx, id)
}

func (p *Plugin) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	return p.repo.ListSubmissions(ctx, taskID)
}

func (p *Plugin) ExtendTask(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) error {
	return p.repo.ExtendTask(ctx, id, extraCapacity, extraDuration)
}

func (p *Plugin) ExpireTask(ctx context.Context, id string) error {
	return p.repo.ExpireTask(ctx, id)
}

// ApproveSubmission ignores feedback; the sandbox has no worker inbox.
func (p *Plugin) ApproveSubmission(ctx context.Context, submissionID string, feedback string) error {
	return p.repo.ApproveSubmission(ctx, submissionID)
}

func (p *Plugin) GrantBonus(ctx context.Context, bonus marketplace.Bonus) error {
	return p.repo.AddBonus(ctx, bonus)
}

// Submit simulates a worker submitting answer for taskID.
func (p *Plugin) Submit(ctx context.Context, taskID, workerID, answer string) (*domain.Submission, error) {
	return p.repo.AddSubmission(ctx, taskID, workerID, answer)
}

func (p *Plugin) Bonuses(ctx context.Context) ([]marketplace.Bonus, error) {
	return p.repo.Bonuses(ctx)
}

// Health checks if Redis is healthy.
func (p *Plugin) Health(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w: %v", marketplace.ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *Plugin) Close() error {
	return p.client.Close()
}

func init() {
	marketplace.RegisterProvider("redis", NewPlugin)
}
