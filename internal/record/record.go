package record

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osvaldoandrade/crowdq/internal/classifier"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
)

// TimestampFormat names output files of one run.
const TimestampFormat = "20060102T150405"

const (
	ListValid    = "valid"
	ListRejected = "rejected"
)

// ReportPath is where the CSV report of a run lives. It does not touch the filesystem.
func ReportPath(dir, surveyName, surveyID string, ts time.Time) string {
	return filepath.Join(dir, fileStem(surveyName, surveyID, ts)+".csv")
}

// LogPath is where the log of a run lives. It does not touch the filesystem.
func LogPath(dir, surveyName, surveyID string, ts time.Time) string {
	return filepath.Join(dir, fileStem(surveyName, surveyID, ts)+".log")
}

func fileStem(name, id string, ts time.Time) string {
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return "unnamed"
		}
		return strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(s)
	}
	return fmt.Sprintf("%s_%s_%s", clean(name), clean(id), ts.UTC().Format(TimestampFormat))
}

type Options struct {
	Survey     *domain.Survey
	Backend    string
	OutputDir  string
	LogDir     string
	Classifier classifier.Classifier
	// RunTime stamps the output file names. Zero means Now().
	RunTime time.Time
	Now     func() time.Time
}

// Record is the mutable state of one campaign run. All methods are safe for
// concurrent use; a response is never in both the valid and the rejected set.
type Record struct {
	id         string
	survey     *domain.Survey
	backend    string
	reportPath string
	logPath    string
	createdAt  time.Time

	mu         sync.RWMutex
	tasks      []string
	valid      *responseSet
	rejected   *responseSet
	classifier classifier.Classifier
}

// New creates the output and log directories and the empty report and log files.
func New(opts Options) (*Record, error) {
	if opts.Survey == nil {
		return nil, fmt.Errorf("record: survey is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	created := now().UTC()
	runTime := opts.RunTime
	if runTime.IsZero() {
		runTime = created
	}
	outDir := opts.OutputDir
	if outDir == "" {
		outDir = "output"
	}
	logDir := opts.LogDir
	if logDir == "" {
		logDir = "logs"
	}

	rep := ReportPath(outDir, opts.Survey.Name, opts.Survey.ID, runTime)
	lg := LogPath(logDir, opts.Survey.Name, opts.Survey.ID, runTime)
	for _, p := range []string{rep, lg} {
		if err := touch(p); err != nil {
			return nil, err
		}
	}

	return &Record{
		id:         "rec-" + uuid.NewString(),
		survey:     opts.Survey,
		backend:    opts.Backend,
		reportPath: rep,
		logPath:    lg,
		createdAt:  created,
		valid:      newResponseSet(),
		rejected:   newResponseSet(),
		classifier: opts.Classifier,
	}, nil
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return f.Close()
}

func (r *Record) ID() string             { return r.id }
func (r *Record) Survey() *domain.Survey { return r.survey }
func (r *Record) Backend() string        { return r.backend }
func (r *Record) ReportPath() string     { return r.reportPath }
func (r *Record) LogPath() string        { return r.logPath }
func (r *Record) CreatedAt() time.Time   { return r.createdAt }

func (r *Record) Classifier() classifier.Classifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classifier
}

func (r *Record) BindClassifier(c classifier.Classifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier = c
}

// AddTask appends a posted task id. The task list never shrinks.
func (r *Record) AddTask(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, id)
}

func (r *Record) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.tasks...)
}

// AddValidResponse stores resp as valid, evicting it from the rejected set.
// It reports false if a response with the same id was already valid.
func (r *Record) AddValidResponse(resp *domain.Response) bool {
	return r.place(resp, r.valid, r.rejected)
}

// AddBotResponse stores resp as rejected, evicting it from the valid set.
func (r *Record) AddBotResponse(resp *domain.Response) bool {
	return r.place(resp, r.rejected, r.valid)
}

func (r *Record) place(resp *domain.Response, into, from *responseSet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if into.has(resp.ID) {
		return false
	}
	c := resp.Clone()
	if prev, ok := from.remove(resp.ID); ok && prev.Recorded {
		c.Recorded = true
	}
	into.put(c)
	return true
}

// Replace stores resp in the valid or rejected set, overwriting any entry with
// the same id in either set. The recorded flag carries over.
func (r *Record) Replace(resp *domain.Response, valid bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := resp.Clone()
	for _, s := range []*responseSet{r.valid, r.rejected} {
		if prev, ok := s.remove(resp.ID); ok && prev.Recorded {
			c.Recorded = true
		}
	}
	if valid {
		r.valid.put(c)
	} else {
		r.rejected.put(c)
	}
}

func (r *Record) RemoveValidResponse(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.valid.remove(id)
	return ok
}

func (r *Record) RemoveBotResponse(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rejected.remove(id)
	return ok
}

func (r *Record) ValidResponses() []*domain.Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.valid.snapshot()
}

func (r *Record) BotResponses() []*domain.Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rejected.snapshot()
}

func (r *Record) Counts() (valid, rejected int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.valid.len(), r.rejected.len()
}

// Lookup returns a copy of the response with id and the list holding it.
func (r *Record) Lookup(id string) (*domain.Response, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if resp, ok := r.valid.get(id); ok {
		return resp.Clone(), ListValid, true
	}
	if resp, ok := r.rejected.get(id); ok {
		return resp.Clone(), ListRejected, true
	}
	return nil, "", false
}

// Seen reports whether a response with id is in either set.
func (r *Record) Seen(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.valid.has(id) || r.rejected.has(id)
}

// Unrecorded returns copies of every response not yet written to the report,
// valid ones first, each set in insertion order.
func (r *Record) Unrecorded() []*domain.Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Response
	for _, s := range []*responseSet{r.valid, r.rejected} {
		for _, id := range s.order {
			if resp := s.items[id]; !resp.Recorded {
				out = append(out, resp.Clone())
			}
		}
	}
	return out
}

// MarkRecorded flags responses as written to the report.
func (r *Record) MarkRecorded(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if resp, ok := r.valid.get(id); ok {
			resp.Recorded = true
		}
		if resp, ok := r.rejected.get(id); ok {
			resp.Recorded = true
		}
	}
}

// responseSet keeps insertion order; callers hold Record.mu.
type responseSet struct {
	order []string
	items map[string]*domain.Response
}

func newResponseSet() *responseSet {
	return &responseSet{items: make(map[string]*domain.Response)}
}

func (s *responseSet) has(id string) bool {
	_, ok := s.items[id]
	return ok
}

func (s *responseSet) len() int { return len(s.items) }

func (s *responseSet) get(id string) (*domain.Response, bool) {
	resp, ok := s.items[id]
	return resp, ok
}

func (s *responseSet) put(resp *domain.Response) {
	s.items[resp.ID] = resp
	s.order = append(s.order, resp.ID)
}

func (s *responseSet) remove(id string) (*domain.Response, bool) {
	resp, ok := s.items[id]
	if !ok {
		return nil, false
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return resp, true
}

func (s *responseSet) snapshot() []*domain.Response {
	out := make([]*domain.Response, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].Clone())
	}
	return out
}
