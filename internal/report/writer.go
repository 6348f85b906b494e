package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/osvaldoandrade/crowdq/internal/metrics"
	"github.com/osvaldoandrade/crowdq/internal/record"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
)

var (
	ErrMissingField   = errors.New("required report field is empty")
	ErrColumnMismatch = errors.New("row does not match report columns")
)

const CorrelationHeader = "correlation"

// FixedHeaders open every report, in this order, and must be non-empty in every row.
var FixedHeaders = []string{
	"responseid", "workerid", "surveyid",
	"questionid", "questiontext", "questionpos",
	"optionid", "optiontext", "optionpos",
}

// Headers returns the column schema: fixed columns, survey extra headers in
// declaration order, backend headers sorted, then correlation if the survey has one.
func Headers(survey *domain.Survey, backendHeaders []string) []string {
	out := append([]string(nil), FixedHeaders...)
	out = append(out, survey.OtherHeaders...)
	bh := append([]string(nil), backendHeaders...)
	sort.Strings(bh)
	out = append(out, bh...)
	if survey.HasCorrelation() {
		out = append(out, CorrelationHeader)
	}
	return out
}

// Writer appends responses to a CSV report. The header is written once, when
// the writer is created.
type Writer struct {
	mu             sync.Mutex
	flushMu        sync.Mutex
	path           string
	survey         *domain.Survey
	backendHeaders []string
	headers        []string
	logger         *slog.Logger
}

// NewWriter truncates path and writes the header row.
func NewWriter(path string, survey *domain.Survey, backendHeaders []string, logger *slog.Logger) (*Writer, error) {
	if survey == nil {
		return nil, fmt.Errorf("report: survey is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	bh := append([]string(nil), backendHeaders...)
	sort.Strings(bh)
	w := &Writer{
		path:           path,
		survey:         survey,
		backendHeaders: bh,
		headers:        Headers(survey, bh),
		logger:         logger,
	}

	buf, err := encode([][]string{w.headers})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, fmt.Errorf("write report header: %w", err)
	}
	logger.Info("report opened", "path", path, "columns", len(w.headers))
	return w, nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Headers() []string { return append([]string(nil), w.headers...) }

// Rows builds one row per selected option of r without writing anything.
func (w *Writer) Rows(r *domain.Response) ([][]string, error) {
	var rows [][]string
	for _, ans := range r.Answers {
		q, _, ok := w.survey.Question(ans.QuestionID)
		if !ok {
			return nil, fmt.Errorf("response %s: question %s not in survey: %w", r.ID, ans.QuestionID, ErrMissingField)
		}
		for _, sel := range ans.Options {
			optText := ""
			if o, _, ok := q.Option(sel.OptionID); ok {
				optText = o.Text
			}
			row := []string{
				r.ID,
				r.WorkerID,
				w.survey.ID,
				q.ID,
				q.Text,
				strconv.Itoa(ans.IndexSeen),
				sel.OptionID,
				optText,
				strconv.Itoa(sel.Index),
			}
			for i, v := range row {
				if v == "" {
					return nil, fmt.Errorf("response %s question %s: %s: %w", r.ID, q.ID, FixedHeaders[i], ErrMissingField)
				}
			}
			for _, h := range w.survey.OtherHeaders {
				row = append(row, q.OtherValues[h])
			}
			for _, h := range w.backendHeaders {
				row = append(row, r.Metadata[h])
			}
			if w.survey.HasCorrelation() {
				row = append(row, w.survey.CorrelationLabel(q.ID))
			}
			if len(row) != len(w.headers) {
				return nil, fmt.Errorf("response %s: %d fields for %d columns: %w", r.ID, len(row), len(w.headers), ErrColumnMismatch)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// WriteResponse appends every row of r in a single write. On error nothing is
// written. Responses already flagged recorded are skipped.
func (w *Writer) WriteResponse(r *domain.Response) (int, error) {
	if r.Recorded {
		return 0, nil
	}
	rows, err := w.Rows(r)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	buf, err := encode(rows)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return 0, fmt.Errorf("append report rows: %w", err)
	}
	metrics.ReportRowsWrittenTotal.WithLabelValues(w.survey.ID).Add(float64(len(rows)))
	return len(rows), nil
}

// Flush writes every response of rec that was not written yet and flags it
// recorded. Responses that fail stay unrecorded; their errors are joined.
func (w *Writer) Flush(rec *record.Record) (int, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	var errs []error
	written := 0
	for _, r := range rec.Unrecorded() {
		n, err := w.WriteResponse(r)
		if err != nil {
			w.logger.Error("report write failed", "response_id", r.ID, "err", err)
			errs = append(errs, err)
			continue
		}
		rec.MarkRecorded(r.ID)
		written += n
	}
	if written > 0 {
		w.logger.Debug("report flushed", "path", w.path, "rows", written)
	}
	return written, errors.Join(errs...)
}

func encode(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.UseCRLF = true
	if err := cw.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode report rows: %w", err)
	}
	return buf.Bytes(), nil
}
