package classifier

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/osvaldoandrade/crowdq/pkg/domain"
)

// Classifier decides whether a response is valid. Classify stores the score
// and threshold it used on the response, and its verdict must equal
// r.Score >= r.Threshold.
type Classifier interface {
	Name() string
	Threshold() float64
	Classify(r *domain.Response) bool
	// WithThreshold returns a copy bound to a different threshold.
	WithThreshold(threshold float64) Classifier
}

// ScoreFunc maps a response to a score, usually in [0, 1]. It must be pure.
type ScoreFunc func(s *domain.Survey, r *domain.Response) float64

type ScoreClassifier struct {
	name      string
	threshold float64
	survey    *domain.Survey
	score     ScoreFunc
}

func NewScoreClassifier(name string, threshold float64, survey *domain.Survey, score ScoreFunc) *ScoreClassifier {
	return &ScoreClassifier{name: name, threshold: threshold, survey: survey, score: score}
}

func (c *ScoreClassifier) Name() string       { return c.name }
func (c *ScoreClassifier) Threshold() float64 { return c.threshold }

func (c *ScoreClassifier) Classify(r *domain.Response) bool {
	r.Score = c.score(c.survey, r)
	r.Threshold = c.threshold
	return r.Score >= r.Threshold
}

func (c *ScoreClassifier) WithThreshold(threshold float64) Classifier {
	cp := *c
	cp.threshold = threshold
	return &cp
}

type Config struct {
	Type      string  `yaml:"type" json:"type"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

type Factory func(threshold float64, survey *domain.Survey) (Classifier, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// New builds the classifier registered under cfg.Type. An empty type selects "completion".
func New(cfg Config, survey *domain.Survey) (Classifier, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Type))
	if name == "" {
		name = "completion"
	}
	if cfg.Threshold < 0 || math.IsNaN(cfg.Threshold) {
		return nil, fmt.Errorf("classifier %s: invalid threshold %v", name, cfg.Threshold)
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown classifier: %s", name)
	}
	return f(cfg.Threshold, survey)
}

func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("completion", func(threshold float64, survey *domain.Survey) (Classifier, error) {
		return NewScoreClassifier("completion", threshold, survey, CompletionScore), nil
	})
	Register("entropy", func(threshold float64, survey *domain.Survey) (Classifier, error) {
		return NewScoreClassifier("entropy", threshold, survey, PositionEntropyScore), nil
	})
}

// CompletionScore is the fraction of survey questions with at least one selected option.
func CompletionScore(s *domain.Survey, r *domain.Response) float64 {
	if s == nil || len(s.Questions) == 0 {
		return 1
	}
	answered := map[string]struct{}{}
	for _, a := range r.Answers {
		if len(a.Options) == 0 {
			continue
		}
		if _, _, ok := s.Question(a.QuestionID); ok {
			answered[a.QuestionID] = struct{}{}
		}
	}
	return float64(len(answered)) / float64(len(s.Questions))
}

// PositionEntropyScore is the normalized Shannon entropy of the option
// positions a worker picked. Always choosing the same position scores 0.
// Responses with fewer than two selections, or surveys offering fewer than
// two options per question, score 1.
func PositionEntropyScore(s *domain.Survey, r *domain.Response) float64 {
	counts := map[int]int{}
	total := 0
	for _, a := range r.Answers {
		for _, o := range a.Options {
			counts[o.Index]++
			total++
		}
	}
	width := 0
	if s != nil {
		for _, q := range s.Questions {
			if len(q.Options) > width {
				width = len(q.Options)
			}
		}
	}
	if total < 2 || width < 2 {
		return 1
	}

	// iterate keys in order so float summation is reproducible
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var h float64
	for _, k := range keys {
		p := float64(counts[k]) / float64(total)
		h -= p * math.Log2(p)
	}
	hmax := math.Log2(float64(min(width, total)))
	if hmax <= 0 {
		return 1
	}
	return math.Min(1, h/hmax)
}
