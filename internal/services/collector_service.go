package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/osvaldoandrade/crowdq/internal/audit"
	"github.com/osvaldoandrade/crowdq/internal/backend"
	"github.com/osvaldoandrade/crowdq/internal/metrics"
	"github.com/osvaldoandrade/crowdq/internal/record"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
)

var (
	ErrParse               = errors.New("submission answer could not be parsed")
	ErrClassifierInvariant = errors.New("classifier verdict disagrees with score and threshold")
	ErrNoClassifier        = errors.New("no classifier bound to record")
	ErrResponseNotFound    = errors.New("response not found")

	errAlreadyPlaced = errors.New("response already placed")
)

// PollSummary counts what one poll of one task did.
type PollSummary struct {
	TaskID   string `json:"taskId"`
	Seen     int    `json:"seen"`
	Valid    int    `json:"valid"`
	Rejected int    `json:"rejected"`
	Skipped  int    `json:"skipped"`
}

type ResponseCollector interface {
	// Poll fetches the submissions of taskID and classifies the new ones.
	// Invariant violations are joined into the returned error; parse failures are not.
	Poll(ctx context.Context, taskID string) (PollSummary, error)
	// Reclassify re-runs the bound classifier over a stored response and
	// returns the list it ends up in.
	Reclassify(ctx context.Context, responseID string) (string, error)
	// Rebind swaps the record's classifier for one with a new threshold.
	Rebind(threshold float64) error
}

// answerPayload is the JSON a worker submits.
type answerPayload struct {
	Responses []struct {
		Question  string   `json:"question"`
		IndexSeen int      `json:"indexSeen"`
		Options   []string `json:"options"`
	} `json:"responses"`
	Fields map[string]string `json:"fields"`
}

type collectorService struct {
	rec    *record.Record
	client backend.Client
	ledger audit.Ledger
	extra  []string
	logger *slog.Logger
	now    func() time.Time

	// mu makes classify-then-place of one response atomic across pollers.
	mu sync.Mutex
}

// NewCollectorService builds a collector for rec. ledger may be nil.
func NewCollectorService(rec *record.Record, client backend.Client, ledger audit.Ledger, extraFields []string, logger *slog.Logger, now func() time.Time) ResponseCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &collectorService{
		rec:    rec,
		client: client,
		ledger: ledger,
		extra:  append([]string(nil), extraFields...),
		logger: logger.With("record_id", rec.ID()),
		now:    now,
	}
}

func (s *collectorService) Poll(ctx context.Context, taskID string) (PollSummary, error) {
	ctx, span := otel.Tracer("crowdq/collector").Start(ctx, "crowdq.collector.poll",
		trace.WithAttributes(
			attribute.String("crowdq.record_id", s.rec.ID()),
			attribute.String("crowdq.task_id", taskID),
		),
	)
	defer span.End()

	sum := PollSummary{TaskID: taskID}
	subs, err := s.client.ListSubmissions(ctx, taskID)
	if err != nil {
		metrics.PollCyclesTotal.WithLabelValues("list_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sum, fmt.Errorf("list submissions of %s: %w", taskID, err)
	}

	var errs []error
	for i := range subs {
		sub := &subs[i]
		if sub.Status != domain.SubmissionSubmitted {
			continue
		}
		sum.Seen++

		if s.rec.Seen(sub.WorkerID) {
			// classified in an earlier cycle whose approval did not go through
			s.skipDuplicate(ctx, &sum, sub)
			continue
		}

		resp, err := s.parse(sub)
		if err != nil {
			sum.Skipped++
			metrics.SubmissionsSkippedTotal.WithLabelValues("parse").Inc()
			s.logger.Warn("submission skipped", "task_id", taskID, "submission_id", sub.ID, "worker_id", sub.WorkerID, "err", err)
			continue
		}

		valid, err := s.classifyAndPlace(resp, false)
		if errors.Is(err, errAlreadyPlaced) {
			s.skipDuplicate(ctx, &sum, sub)
			continue
		}
		if err != nil {
			sum.Skipped++
			metrics.SubmissionsSkippedTotal.WithLabelValues("invariant").Inc()
			s.logger.Error("classification rejected", "task_id", taskID, "submission_id", sub.ID, "err", err)
			errs = append(errs, err)
			continue
		}
		if valid {
			sum.Valid++
		} else {
			sum.Rejected++
		}
		s.audit(ctx, resp, valid)

		s.client.ApproveSubmission(ctx, sub.ID)
	}

	outcome := "ok"
	if len(errs) > 0 {
		outcome = "invariant"
		span.SetStatus(codes.Error, "classifier invariant")
	}
	metrics.PollCyclesTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Int("crowdq.poll.seen", sum.Seen),
		attribute.Int("crowdq.poll.valid", sum.Valid),
		attribute.Int("crowdq.poll.rejected", sum.Rejected),
	)
	if sum.Seen > 0 {
		s.logger.Info("poll cycle", "task_id", taskID, "seen", sum.Seen, "valid", sum.Valid, "rejected", sum.Rejected, "skipped", sum.Skipped)
	}
	return sum, errors.Join(errs...)
}

func (s *collectorService) skipDuplicate(ctx context.Context, sum *PollSummary, sub *domain.Submission) {
	sum.Skipped++
	metrics.SubmissionsSkippedTotal.WithLabelValues("duplicate").Inc()
	s.client.ApproveSubmission(ctx, sub.ID)
}

func (s *collectorService) parse(sub *domain.Submission) (*domain.Response, error) {
	var p answerPayload
	dec := json.NewDecoder(strings.NewReader(sub.Answer))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("submission %s: %w: %v", sub.ID, ErrParse, err)
	}
	if strings.TrimSpace(sub.WorkerID) == "" {
		return nil, fmt.Errorf("submission %s: %w: missing worker id", sub.ID, ErrParse)
	}

	survey := s.rec.Survey()
	resp := &domain.Response{
		ID:           sub.WorkerID,
		WorkerID:     sub.WorkerID,
		SurveyID:     survey.ID,
		TaskID:       sub.TaskID,
		SubmissionID: sub.ID,
		Metadata: map[string]string{
			domain.MetaAcceptTime: sub.AcceptTime.UTC().Format(time.RFC3339),
			domain.MetaSubmitTime: sub.SubmitTime.UTC().Format(time.RFC3339),
		},
	}
	for _, a := range p.Responses {
		q, _, ok := survey.Question(a.Question)
		if !ok {
			return nil, fmt.Errorf("submission %s: %w: unknown question %q", sub.ID, ErrParse, a.Question)
		}
		qr := domain.QuestionResponse{QuestionID: q.ID, IndexSeen: a.IndexSeen}
		for _, oid := range a.Options {
			_, pos, ok := q.Option(oid)
			if !ok {
				return nil, fmt.Errorf("submission %s: %w: unknown option %q for question %q", sub.ID, ErrParse, oid, q.ID)
			}
			qr.Options = append(qr.Options, domain.OptionSelection{OptionID: oid, Index: pos})
		}
		resp.Answers = append(resp.Answers, qr)
	}
	for _, f := range s.extra {
		if v, ok := p.Fields[f]; ok {
			resp.Metadata[f] = v
		}
	}
	return resp, nil
}

// classifyAndPlace scores resp with the bound classifier and stores it in the
// matching set. With replace, an existing entry in the target set is overwritten;
// without it, a response another poller placed first yields errAlreadyPlaced.
func (s *collectorService) classifyAndPlace(resp *domain.Response, replace bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !replace && s.rec.Seen(resp.ID) {
		return false, errAlreadyPlaced
	}

	cl := s.rec.Classifier()
	if cl == nil {
		return false, ErrNoClassifier
	}
	valid := cl.Classify(resp)
	resp.ClassifiedAt = s.now().UTC()
	if valid != resp.Valid() {
		return false, fmt.Errorf("response %s: %s said %v for score %v threshold %v: %w",
			resp.ID, cl.Name(), valid, resp.Score, resp.Threshold, ErrClassifierInvariant)
	}

	switch {
	case replace:
		s.rec.Replace(resp, valid)
	case valid:
		if !s.rec.AddValidResponse(resp) {
			return false, errAlreadyPlaced
		}
	default:
		if !s.rec.AddBotResponse(resp) {
			return false, errAlreadyPlaced
		}
	}
	verdict := record.ListRejected
	if valid {
		verdict = record.ListValid
	}
	metrics.ResponsesClassifiedTotal.WithLabelValues(cl.Name(), verdict).Inc()
	return valid, nil
}

func (s *collectorService) audit(ctx context.Context, resp *domain.Response, valid bool) {
	if s.ledger == nil {
		return
	}
	cl := s.rec.Classifier()
	_, err := s.ledger.Append(ctx, audit.Entry{
		RecordID:     s.rec.ID(),
		ResponseID:   resp.ID,
		WorkerID:     resp.WorkerID,
		TaskID:       resp.TaskID,
		SubmissionID: resp.SubmissionID,
		Classifier:   cl.Name(),
		Score:        resp.Score,
		Threshold:    resp.Threshold,
		Valid:        valid,
		At:           resp.ClassifiedAt,
	})
	if err != nil {
		s.logger.Error("audit append failed", "response_id", resp.ID, "err", err)
	}
}

func (s *collectorService) Reclassify(ctx context.Context, responseID string) (string, error) {
	resp, before, ok := s.rec.Lookup(responseID)
	if !ok {
		return "", fmt.Errorf("%s: %w", responseID, ErrResponseNotFound)
	}
	valid, err := s.classifyAndPlace(resp, true)
	if err != nil {
		return before, err
	}
	s.audit(ctx, resp, valid)

	after := record.ListRejected
	if valid {
		after = record.ListValid
	}
	s.logger.Info("response reclassified", "response_id", responseID, "from", before, "to", after, "score", resp.Score, "threshold", resp.Threshold)
	return after, nil
}

func (s *collectorService) Rebind(threshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := s.rec.Classifier()
	if cl == nil {
		return ErrNoClassifier
	}
	if threshold < 0 {
		return fmt.Errorf("invalid threshold %v", threshold)
	}
	s.rec.BindClassifier(cl.WithThreshold(threshold))
	s.logger.Info("classifier rebound", "classifier", cl.Name(), "threshold", threshold)
	return nil
}
