package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/tracing"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config describes a REST marketplace. Either Token or the client credentials
// triple must be set.
type Config struct {
	BaseURL        string   `json:"baseUrl"`
	Token          string   `json:"token,omitempty"`
	TokenURL       string   `json:"tokenUrl,omitempty"`
	ClientID       string   `json:"clientId,omitempty"`
	ClientSecret   string   `json:"clientSecret,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

// Client talks to a REST marketplace over HTTP/JSON. It registers as the "http" provider.
type Client struct {
	base *url.URL
	hc   *http.Client
}

func NewPlugin(config marketplace.PluginConfig) (marketplace.Service, error) {
	var cfg Config
	if len(config.Config) > 0 {
		if err := json.Unmarshal(config.Config, &cfg); err != nil {
			return nil, fmt.Errorf("http marketplace config: %w", err)
		}
	}
	return New(context.Background(), cfg)
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("http marketplace config: invalid baseUrl %q", cfg.BaseURL)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var hc *http.Client
	switch {
	case cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		hc = cc.Client(ctx)
	case cfg.Token != "":
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}))
	default:
		return nil, fmt.Errorf("http marketplace config: token or client credentials are required")
	}
	hc.Timeout = timeout
	return &Client{base: base, hc: hc}, nil
}

func init() {
	marketplace.RegisterProvider("http", NewPlugin)
}

type createTaskRequest struct {
	Title                     string  `json:"title"`
	Description               string  `json:"description"`
	Keywords                  string  `json:"keywords,omitempty"`
	Content                   string  `json:"content,omitempty"`
	Reward                    float64 `json:"reward"`
	AssignmentDurationSeconds int64   `json:"assignmentDurationSeconds"`
	AutoApprovalDelaySeconds  int64   `json:"autoApprovalDelaySeconds"`
	LifetimeSeconds           int64   `json:"lifetimeSeconds"`
	MaxSubmissions            int     `json:"maxSubmissions"`
	UniqueRequestToken        string  `json:"uniqueRequestToken,omitempty"`
}

type taskResponse struct {
	ID                        string            `json:"id"`
	Title                     string            `json:"title"`
	Description               string            `json:"description"`
	Keywords                  string            `json:"keywords"`
	Reward                    float64           `json:"reward"`
	AssignmentDurationSeconds int64             `json:"assignmentDurationSeconds"`
	AutoApprovalDelaySeconds  int64             `json:"autoApprovalDelaySeconds"`
	MaxSubmissions            int               `json:"maxSubmissions"`
	Available                 int               `json:"available"`
	Pending                   int               `json:"pending"`
	Completed                 int               `json:"completed"`
	Status                    domain.TaskStatus `json:"status"`
	CreatedAt                 time.Time         `json:"createdAt"`
	ExpiresAt                 time.Time         `json:"expiresAt"`
}

func (t taskResponse) toDomain() *domain.Task {
	return &domain.Task{
		ID:                 t.ID,
		Title:              t.Title,
		Description:        t.Description,
		Keywords:           t.Keywords,
		Reward:             t.Reward,
		AssignmentDuration: time.Duration(t.AssignmentDurationSeconds) * time.Second,
		AutoApprovalDelay:  time.Duration(t.AutoApprovalDelaySeconds) * time.Second,
		MaxSubmissions:     t.MaxSubmissions,
		Available:          t.Available,
		Pending:            t.Pending,
		Completed:          t.Completed,
		Status:             t.Status,
		CreatedAt:          t.CreatedAt,
		ExpiresAt:          t.ExpiresAt,
	}
}

func (c *Client) CreateTask(ctx context.Context, params domain.TaskParams) (string, error) {
	req := createTaskRequest{
		Title:                     params.Title,
		Description:               params.Description,
		Keywords:                  params.Keywords,
		Content:                   params.Content,
		Reward:                    params.Reward,
		AssignmentDurationSeconds: int64(params.AssignmentDuration / time.Second),
		AutoApprovalDelaySeconds:  int64(params.AutoApprovalDelay / time.Second),
		LifetimeSeconds:           int64(params.Lifetime / time.Second),
		MaxSubmissions:            params.MaxSubmissions,
		UniqueRequestToken:        params.UniqueRequestToken,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("create task: empty id in response: %w", marketplace.ErrUnavailable)
	}
	return out.ID, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var out taskResponse
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (c *Client) ListSubmissions(ctx context.Context, taskID string) ([]domain.Submission, error) {
	var out struct {
		Submissions []domain.Submission `json:"submissions"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/submissions", nil, &out); err != nil {
		return nil, err
	}
	if out.Submissions == nil {
		return []domain.Submission{}, nil
	}
	return out.Submissions, nil
}

func (c *Client) ExtendTask(ctx context.Context, id string, extraCapacity int, extraDuration time.Duration) error {
	body := map[string]any{
		"extraCapacity":        extraCapacity,
		"extraDurationSeconds": int64(extraDuration / time.Second),
	}
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/extend", body, nil)
}

func (c *Client) ExpireTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/expire", nil, nil)
}

func (c *Client) ApproveSubmission(ctx context.Context, submissionID string, feedback string) error {
	body := map[string]any{"feedback": feedback}
	return c.do(ctx, http.MethodPost, "/submissions/"+url.PathEscape(submissionID)+"/approve", body, nil)
}

func (c *Client) GrantBonus(ctx context.Context, bonus marketplace.Bonus) error {
	return c.do(ctx, http.MethodPost, "/bonuses", bonus, nil)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectHeaders(ctx, req.Header)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, marketplace.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w: %v", method, path, marketplace.ErrUnavailable, err)
		}
		return nil
	}

	msg := readError(resp.Body)
	if kind := statusError(resp.StatusCode); kind != nil {
		return fmt.Errorf("%s %s: %w: %s", method, path, kind, msg)
	}
	return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
}

// statusError maps an HTTP status to a marketplace sentinel. Nil means the
// failure is terminal without a more specific category.
func statusError(code int) error {
	switch {
	case code == http.StatusNotFound:
		return marketplace.ErrNotFound
	case code == http.StatusConflict:
		return marketplace.ErrAlreadyExists
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return marketplace.ErrInvalid
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return marketplace.ErrUnavailable
	}
	return nil
}

func readError(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(b))
}
