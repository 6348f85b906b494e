package classifier

import (
	"math"
	"reflect"
	"testing"

	"github.com/osvaldoandrade/crowdq/pkg/domain"
)

func testSurvey() *domain.Survey {
	opts := []domain.Option{{ID: "a"}, {ID: "b"}}
	return &domain.Survey{
		ID:   "s1",
		Name: "test",
		Questions: []domain.Question{
			{ID: "q1", Options: opts},
			{ID: "q2", Options: opts},
			{ID: "q3", Options: opts},
			{ID: "q4", Options: opts},
		},
	}
}

func answer(qid string, idx int) domain.QuestionResponse {
	return domain.QuestionResponse{QuestionID: qid, Options: []domain.OptionSelection{{OptionID: "x", Index: idx}}}
}

func TestCompletionScore(t *testing.T) {
	s := testSurvey()
	tests := []struct {
		name    string
		answers []domain.QuestionResponse
		want    float64
	}{
		{"none", nil, 0},
		{"half", []domain.QuestionResponse{answer("q1", 0), answer("q2", 1)}, 0.5},
		{"duplicates count once", []domain.QuestionResponse{answer("q1", 0), answer("q1", 1)}, 0.25},
		{"unknown question ignored", []domain.QuestionResponse{answer("zz", 0)}, 0},
		{"all", []domain.QuestionResponse{answer("q1", 0), answer("q2", 0), answer("q3", 0), answer("q4", 0)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompletionScore(s, &domain.Response{Answers: tt.answers})
			if got != tt.want {
				t.Errorf("CompletionScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPositionEntropyScore(t *testing.T) {
	s := testSurvey()
	tests := []struct {
		name    string
		answers []domain.QuestionResponse
		want    float64
	}{
		{"straight line", []domain.QuestionResponse{answer("q1", 0), answer("q2", 0), answer("q3", 0), answer("q4", 0)}, 0},
		{"balanced", []domain.QuestionResponse{answer("q1", 0), answer("q2", 1), answer("q3", 0), answer("q4", 1)}, 1},
		{"single answer", []domain.QuestionResponse{answer("q1", 0)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PositionEntropyScore(s, &domain.Response{Answers: tt.answers})
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PositionEntropyScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyStoresScoreAndThreshold(t *testing.T) {
	c, err := New(Config{Type: "completion", Threshold: 0.5}, testSurvey())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r := &domain.Response{Answers: []domain.QuestionResponse{answer("q1", 0)}}
	if c.Classify(r) {
		t.Errorf("Classify() = true for score 0.25")
	}
	if r.Score != 0.25 || r.Threshold != 0.5 {
		t.Errorf("score/threshold = %v/%v", r.Score, r.Threshold)
	}

	lower := c.WithThreshold(0.2)
	if !lower.Classify(r) || r.Threshold != 0.2 {
		t.Errorf("WithThreshold(0.2) did not accept score 0.25")
	}
	if c.Threshold() != 0.5 {
		t.Errorf("WithThreshold mutated the original: %v", c.Threshold())
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c, _ := New(Config{Type: "entropy", Threshold: 0.5}, testSurvey())
	r := &domain.Response{Answers: []domain.QuestionResponse{answer("q1", 0), answer("q2", 1), answer("q3", 1)}}
	first := c.Classify(r)
	score := r.Score
	for i := 0; i < 20; i++ {
		if c.Classify(r) != first || r.Score != score {
			t.Fatalf("classification changed on run %d", i)
		}
	}
}

func TestNew(t *testing.T) {
	if c, err := New(Config{}, nil); err != nil || c.Name() != "completion" {
		t.Errorf("New(empty) = %v, %v", c, err)
	}
	if _, err := New(Config{Type: "nope"}, nil); err == nil {
		t.Errorf("New(unknown) expected error")
	}
	if _, err := New(Config{Type: "entropy", Threshold: -1}, nil); err == nil {
		t.Errorf("New(negative threshold) expected error")
	}
	if got, want := Names(), []string{"completion", "entropy"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}
