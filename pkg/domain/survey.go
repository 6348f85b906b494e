package domain

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type Option struct {
	ID   string `yaml:"id" json:"id"`
	Text string `yaml:"text" json:"text"`
}

type Question struct {
	ID      string   `yaml:"id" json:"id"`
	Text    string   `yaml:"text" json:"text"`
	Options []Option `yaml:"options" json:"options"`
	// OtherValues fills the survey's extra report columns for rows of this question.
	OtherValues map[string]string `yaml:"otherValues,omitempty" json:"otherValues,omitempty"`
}

// Survey is the minimal survey shape needed to parse answers and write reports.
type Survey struct {
	ID           string              `yaml:"id" json:"id"`
	Name         string              `yaml:"name" json:"name"`
	Questions    []Question          `yaml:"questions" json:"questions"`
	OtherHeaders []string            `yaml:"otherHeaders,omitempty" json:"otherHeaders,omitempty"`
	Correlation  map[string][]string `yaml:"correlation,omitempty" json:"correlation,omitempty"`
}

// Question returns the question with the given id and its zero-based position.
func (s *Survey) Question(id string) (*Question, int, bool) {
	for i := range s.Questions {
		if s.Questions[i].ID == id {
			return &s.Questions[i], i, true
		}
	}
	return nil, -1, false
}

// Option returns the option with the given id and its zero-based position.
func (q *Question) Option(id string) (*Option, int, bool) {
	for i := range q.Options {
		if q.Options[i].ID == id {
			return &q.Options[i], i, true
		}
	}
	return nil, -1, false
}

// HasCorrelation reports whether the survey declares a correlation map.
func (s *Survey) HasCorrelation() bool {
	return len(s.Correlation) > 0
}

// CorrelationLabel returns the label a question is correlated under, or "".
// Labels are checked in sorted order so the result is stable.
func (s *Survey) CorrelationLabel(questionID string) string {
	labels := make([]string, 0, len(s.Correlation))
	for label := range s.Correlation {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		for _, qid := range s.Correlation[label] {
			if qid == questionID {
				return label
			}
		}
	}
	return ""
}

func (s *Survey) Validate() error {
	if s.ID == "" {
		return errors.New("survey id is required")
	}
	if s.Name == "" {
		return errors.New("survey name is required")
	}
	if len(s.Questions) == 0 {
		return errors.New("survey has no questions")
	}
	seen := make(map[string]struct{}, len(s.Questions))
	for _, q := range s.Questions {
		if q.ID == "" {
			return errors.New("question id is required")
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		seen[q.ID] = struct{}{}
		for _, o := range q.Options {
			if o.ID == "" {
				return fmt.Errorf("question %q: option id is required", q.ID)
			}
		}
	}
	return nil
}

// ParseSurvey decodes a survey from YAML (JSON is accepted as a YAML subset).
func ParseSurvey(b []byte) (*Survey, error) {
	var s Survey
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode survey: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func LoadSurvey(path string) (*Survey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSurvey(b)
}
