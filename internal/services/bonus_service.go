package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/osvaldoandrade/crowdq/internal/backend"
	"github.com/osvaldoandrade/crowdq/internal/metrics"
	"github.com/osvaldoandrade/crowdq/internal/record"
)

var (
	ErrBonusAlreadyGranted = errors.New("bonus already granted for this response")
	ErrBonusInProgress     = errors.New("bonus for this response is being granted")
	ErrSubmissionNotFound  = errors.New("no submission for worker in posted tasks")
	ErrInvalidBonus        = errors.New("invalid bonus")
)

const DefaultBonusReason = "For partial work completed."

type BonusService interface {
	// Award pays amount to the worker behind responseID, once per response.
	Award(ctx context.Context, responseID string, amount float64, reason string) error
	Granted(responseID string) bool
}

type bonusKey struct {
	worker   string
	response string
}

type bonusService struct {
	rec    *record.Record
	client backend.Client
	logger *slog.Logger

	mu      sync.Mutex
	granted map[bonusKey]bool // false while the grant is in flight
}

func NewBonusService(rec *record.Record, client backend.Client, logger *slog.Logger) BonusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &bonusService{
		rec:     rec,
		client:  client,
		logger:  logger.With("record_id", rec.ID()),
		granted: make(map[bonusKey]bool),
	}
}

func (s *bonusService) Award(ctx context.Context, responseID string, amount float64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidBonus)
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultBonusReason
	}
	resp, _, ok := s.rec.Lookup(responseID)
	if !ok {
		metrics.BonusesTotal.WithLabelValues("not_found").Inc()
		return fmt.Errorf("%s: %w", responseID, ErrResponseNotFound)
	}
	key := bonusKey{worker: resp.WorkerID, response: resp.ID}

	s.mu.Lock()
	if done, seen := s.granted[key]; seen {
		s.mu.Unlock()
		metrics.BonusesTotal.WithLabelValues("duplicate").Inc()
		if done {
			return fmt.Errorf("%s: %w", responseID, ErrBonusAlreadyGranted)
		}
		return fmt.Errorf("%s: %w", responseID, ErrBonusInProgress)
	}
	s.granted[key] = false
	s.mu.Unlock()

	err := s.grant(ctx, resp.WorkerID, resp.SubmissionID, amount, reason)

	s.mu.Lock()
	if err != nil {
		delete(s.granted, key)
	} else {
		s.granted[key] = true
	}
	s.mu.Unlock()

	if err != nil {
		metrics.BonusesTotal.WithLabelValues("failed").Inc()
		s.logger.Error("bonus failed", "response_id", responseID, "worker_id", resp.WorkerID, "err", err)
		return err
	}
	metrics.BonusesTotal.WithLabelValues("granted").Inc()
	return nil
}

// grant pays against submissionID, or looks the worker up across posted tasks
// when the response does not carry one.
func (s *bonusService) grant(ctx context.Context, workerID, submissionID string, amount float64, reason string) error {
	if submissionID == "" {
		id, err := s.findSubmission(ctx, workerID)
		if err != nil {
			return err
		}
		submissionID = id
	}
	return s.client.GrantBonus(ctx, workerID, amount, submissionID, reason)
}

func (s *bonusService) findSubmission(ctx context.Context, workerID string) (string, error) {
	for _, taskID := range s.rec.Tasks() {
		subs, err := s.client.ListSubmissions(ctx, taskID)
		if err != nil {
			return "", err
		}
		for _, sub := range subs {
			if sub.WorkerID == workerID {
				return sub.ID, nil
			}
		}
	}
	return "", fmt.Errorf("worker %s: %w", workerID, ErrSubmissionNotFound)
}

func (s *bonusService) Granted(responseID string) bool {
	resp, _, ok := s.rec.Lookup(responseID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted[bonusKey{worker: resp.WorkerID, response: resp.ID}]
}
