package domain

import "time"

// Metadata keys attached to every response by the collector.
const (
	MetaAcceptTime = "acceptTime"
	MetaSubmitTime = "submitTime"
)

// OptionSelection is one selected option with its position in the question.
type OptionSelection struct {
	OptionID string `json:"optionId"`
	Index    int    `json:"index"`
}

// QuestionResponse holds the options a worker picked for one question.
type QuestionResponse struct {
	QuestionID string            `json:"questionId"`
	IndexSeen  int               `json:"indexSeen"`
	Options    []OptionSelection `json:"options"`
}

// Response is a parsed and classified submission. ID is the submitting worker id.
type Response struct {
	ID           string             `json:"id"`
	WorkerID     string             `json:"workerId"`
	SurveyID     string             `json:"surveyId"`
	TaskID       string             `json:"taskId"`
	SubmissionID string             `json:"submissionId"`
	Answers      []QuestionResponse `json:"answers"`
	Score        float64            `json:"score"`
	Threshold    float64            `json:"threshold"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	Recorded     bool               `json:"recorded"`
	ClassifiedAt time.Time          `json:"classifiedAt"`
}

// Valid recomputes the verdict from the persisted score and threshold.
func (r *Response) Valid() bool {
	return r.Score >= r.Threshold
}

// Clone returns a deep copy safe to hand out to readers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	if r.Answers != nil {
		c.Answers = make([]QuestionResponse, len(r.Answers))
		for i, a := range r.Answers {
			c.Answers[i] = a
			c.Answers[i].Options = append([]OptionSelection(nil), a.Options...)
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
