package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osvaldoandrade/crowdq/internal/backend"
	"github.com/osvaldoandrade/crowdq/internal/backoff"
	"github.com/osvaldoandrade/crowdq/internal/metrics"
	"github.com/osvaldoandrade/crowdq/internal/providers"
	"github.com/osvaldoandrade/crowdq/internal/record"
	"github.com/osvaldoandrade/crowdq/internal/report"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
)

// MinExpirationIncrement is the smallest lifetime extension the backend accepts.
const MinExpirationIncrement = 60 * time.Second

type CampaignConfig struct {
	// Participants is the number of valid responses that completes the campaign.
	Participants int
	PollInterval time.Duration
	// Task is the template for tasks posted by Launch.
	Task         domain.TaskParams
	UploadPrefix string
}

// CampaignStatus is what the operator API reports about a run.
type CampaignStatus struct {
	RecordID   string    `json:"recordId"`
	SurveyID   string    `json:"surveyId"`
	SurveyName string    `json:"surveyName"`
	Backend    string    `json:"backend"`
	Tasks      []string  `json:"tasks"`
	Valid      int       `json:"valid"`
	Rejected   int       `json:"rejected"`
	Target     int       `json:"target"`
	Done       bool      `json:"done"`
	ReportPath string    `json:"reportPath"`
	Published  string    `json:"published,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CampaignService interface {
	Launch(ctx context.Context) (string, error)
	PostTask(ctx context.Context, params domain.TaskParams) (string, error)
	Task(ctx context.Context, id string) (*domain.Task, bool, error)
	Extend(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) bool
	Expire(ctx context.Context, id string) bool
	// RenewIfExpired extends an expired task by the capacity still missing and one lifetime.
	RenewIfExpired(ctx context.Context, id string) (bool, error)
	// AddSubmissionSlots adds n slots with the minimum lifetime increment.
	AddSubmissionSlots(ctx context.Context, id string, n int) bool
	// Run polls every posted task until the participant target is met or ctx is done.
	Run(ctx context.Context) error
	// Complete expires every task, flushes the report and publishes it. It runs once.
	Complete(ctx context.Context) (string, error)
	Status() CampaignStatus
	CampaignStats() metrics.CampaignStats
}

type campaignService struct {
	cfg       CampaignConfig
	rec       *record.Record
	client    backend.Client
	collector ResponseCollector
	writer    *report.Writer
	uploader  providers.Uploader
	logger    *slog.Logger
	now       func() time.Time
	sleep     backoff.Sleeper

	completeOnce sync.Once
	mu           sync.Mutex
	done         bool
	published    string
	completeErr  error
}

func NewCampaignService(cfg CampaignConfig, rec *record.Record, client backend.Client, collector ResponseCollector, writer *report.Writer, uploader providers.Uploader, logger *slog.Logger, now func() time.Time, sleep backoff.Sleeper) CampaignService {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = backoff.SleepOrDone
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &campaignService{
		cfg:       cfg,
		rec:       rec,
		client:    client,
		collector: collector,
		writer:    writer,
		uploader:  uploader,
		logger:    logger.With("record_id", rec.ID()),
		now:       now,
		sleep:     sleep,
	}
}

func (s *campaignService) Launch(ctx context.Context) (string, error) {
	params := s.cfg.Task
	if params.MaxSubmissions <= 0 {
		params.MaxSubmissions = s.cfg.Participants
	}
	return s.PostTask(ctx, params)
}

func (s *campaignService) PostTask(ctx context.Context, params domain.TaskParams) (string, error) {
	if params.Title == "" {
		params.Title = s.rec.Survey().Name
	}
	id, err := s.client.CreateTask(ctx, params)
	if err != nil {
		return "", err
	}
	s.rec.AddTask(id)
	s.logger.Info("task posted", "task_id", id, "capacity", params.MaxSubmissions, "lifetime", params.Lifetime)
	return id, nil
}

func (s *campaignService) Task(ctx context.Context, id string) (*domain.Task, bool, error) {
	return s.client.FetchTask(ctx, id)
}

func (s *campaignService) Extend(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) bool {
	return s.client.ExtendTask(ctx, id, extraCapacity, extraDuration)
}

func (s *campaignService) Expire(ctx context.Context, id string) bool {
	return s.client.ExpireTask(ctx, id)
}

func (s *campaignService) remaining() int {
	valid, rejected := s.rec.Counts()
	return s.cfg.Participants - (valid + rejected)
}

func (s *campaignService) RenewIfExpired(ctx context.Context, id string) (bool, error) {
	task, ok, err := s.client.FetchTask(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok || !task.Expired(s.now()) {
		return false, nil
	}
	need := s.remaining()
	if need <= 0 {
		return false, nil
	}
	lifetime := s.cfg.Task.Lifetime
	if lifetime < MinExpirationIncrement {
		lifetime = MinExpirationIncrement
	}
	if !s.client.ExtendTask(ctx, id, need, lifetime) {
		return false, fmt.Errorf("renew task %s failed", id)
	}
	s.logger.Info("expired task renewed", "task_id", id, "extra_capacity", need, "lifetime", lifetime)
	return true, nil
}

func (s *campaignService) AddSubmissionSlots(ctx context.Context, id string, n int) bool {
	if n <= 0 {
		return false
	}
	return s.client.ExtendTask(ctx, id, n, MinExpirationIncrement)
}

func (s *campaignService) targetMet() bool {
	valid, _ := s.rec.Counts()
	return s.cfg.Participants > 0 && valid >= s.cfg.Participants
}

func (s *campaignService) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	started := map[string]bool{}
	spawn := func() {
		for _, id := range s.rec.Tasks() {
			if started[id] {
				continue
			}
			started[id] = true
			taskID := id
			g.Go(func() error { return s.pollLoop(gctx, taskID, cancel) })
		}
	}
	spawn()
	// picks up tasks posted while the campaign runs
	g.Go(func() error {
		for {
			if err := s.sleep(gctx, s.cfg.PollInterval); err != nil {
				return nil
			}
			spawn()
		}
	})

	err := g.Wait()
	if s.targetMet() {
		if _, cerr := s.Complete(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	}
	// stopped early: keep what was classified so far
	if s.writer != nil {
		if _, ferr := s.writer.Flush(s.rec); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// pollLoop observes ctx only between cycles; a cycle's remote calls finish their own retries.
func (s *campaignService) pollLoop(ctx context.Context, taskID string, stop context.CancelFunc) error {
	logger := s.logger.With("task_id", taskID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		cycleCtx := context.WithoutCancel(ctx)
		if _, err := s.collector.Poll(cycleCtx, taskID); err != nil {
			logger.Warn("poll cycle failed", "err", err)
		}
		if s.writer != nil {
			if _, err := s.writer.Flush(s.rec); err != nil {
				logger.Error("report flush failed", "err", err)
			}
		}
		if s.targetMet() {
			logger.Info("participant target reached", "target", s.cfg.Participants)
			stop()
			return nil
		}
		if _, err := s.RenewIfExpired(cycleCtx, taskID); err != nil {
			logger.Warn("renew failed", "err", err)
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

func (s *campaignService) Complete(ctx context.Context) (string, error) {
	s.completeOnce.Do(func() {
		for _, id := range s.rec.Tasks() {
			if !s.client.ExpireTask(ctx, id) {
				s.logger.Warn("expire on completion failed", "task_id", id)
			}
		}
		var errs []error
		if s.writer != nil {
			if _, err := s.writer.Flush(s.rec); err != nil {
				errs = append(errs, err)
			}
		}
		loc, err := s.publish(ctx)
		if err != nil {
			errs = append(errs, err)
		}

		s.mu.Lock()
		s.done = true
		s.published = loc
		s.completeErr = errors.Join(errs...)
		s.mu.Unlock()

		valid, rejected := s.rec.Counts()
		s.logger.Info("campaign complete", "valid", valid, "rejected", rejected, "tasks", len(s.rec.Tasks()), "published", loc)
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.completeErr
}

func (s *campaignService) publish(ctx context.Context) (string, error) {
	if s.uploader == nil {
		return "", nil
	}
	data, err := os.ReadFile(s.rec.ReportPath())
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	obj := path.Join(s.cfg.UploadPrefix, filepath.Base(s.rec.ReportPath()))
	loc, err := s.uploader.UploadBytes(ctx, obj, "text/csv", data)
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return loc, nil
}

func (s *campaignService) Status() CampaignStatus {
	valid, rejected := s.rec.Counts()
	s.mu.Lock()
	done, published := s.done, s.published
	s.mu.Unlock()
	survey := s.rec.Survey()
	return CampaignStatus{
		RecordID:   s.rec.ID(),
		SurveyID:   survey.ID,
		SurveyName: survey.Name,
		Backend:    s.rec.Backend(),
		Tasks:      s.rec.Tasks(),
		Valid:      valid,
		Rejected:   rejected,
		Target:     s.cfg.Participants,
		Done:       done,
		ReportPath: s.rec.ReportPath(),
		Published:  published,
		CreatedAt:  s.rec.CreatedAt(),
	}
}

func (s *campaignService) CampaignStats() metrics.CampaignStats {
	valid, rejected := s.rec.Counts()
	return metrics.CampaignStats{
		RecordID: s.rec.ID(),
		Survey:   s.rec.Survey().ID,
		Valid:    valid,
		Rejected: rejected,
		Tasks:    len(s.rec.Tasks()),
		Target:   s.cfg.Participants,
	}
}
