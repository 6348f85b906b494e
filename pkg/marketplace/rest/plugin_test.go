package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateAndFetchWithStaticToken(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			var req createTaskRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.LifetimeSeconds != 3600 || req.MaxSubmissions != 2 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/task-1":
			_ = json.NewEncoder(w).Encode(taskResponse{ID: "task-1", MaxSubmissions: 2, Available: 2, AssignmentDurationSeconds: 600, Status: domain.TaskAssignable})
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/task-1/submissions":
			_, _ = w.Write([]byte(`{"submissions":[{"id":"s1","taskId":"task-1","workerId":"w1","answer":"{}","status":"SUBMITTED"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	c, err := New(context.Background(), Config{BaseURL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	id, err := c.CreateTask(ctx, domain.TaskParams{Title: "t", Lifetime: time.Hour, MaxSubmissions: 2})
	if err != nil || id != "task-1" {
		t.Fatalf("CreateTask = %q, %v", id, err)
	}
	task, err := c.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.AssignmentDuration != 10*time.Minute || task.Available != 2 {
		t.Errorf("task = %+v", task)
	}
	subs, err := c.ListSubmissions(ctx, id)
	if err != nil || len(subs) != 1 || subs[0].Status != domain.SubmissionSubmitted {
		t.Fatalf("ListSubmissions = %+v, %v", subs, err)
	}
	if _, err := c.GetTask(ctx, "other"); !errors.Is(err, marketplace.ErrNotFound) {
		t.Errorf("GetTask(other) error = %v, want ErrNotFound", err)
	}
}

func TestClientCredentials(t *testing.T) {
	var tokenCalls int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			atomic.AddInt32(&tokenCalls, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer cc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	c, err := New(context.Background(), Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "id",
		ClientSecret: "secret",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.ExpireTask(context.Background(), "t1"); err != nil {
			t.Fatalf("ExpireTask: %v", err)
		}
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, marketplace.ErrNotFound},
		{"conflict", http.StatusConflict, marketplace.ErrAlreadyExists},
		{"bad request", http.StatusBadRequest, marketplace.ErrInvalid},
		{"throttled", http.StatusTooManyRequests, marketplace.ErrUnavailable},
		{"server error", http.StatusInternalServerError, marketplace.ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, marketplace.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"boom"}`))
			})
			c, err := New(context.Background(), Config{BaseURL: srv.URL, Token: "x"})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			err = c.ApproveSubmission(context.Background(), "s1", "ok")
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !strings.Contains(err.Error(), "boom") {
				t.Errorf("error %q should carry the server message", err)
			}
		})
	}
}

func TestUnauthorizedIsTerminal(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	c, _ := New(context.Background(), Config{BaseURL: srv.URL, Token: "x"})
	err := c.ExpireTask(context.Background(), "t1")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, sentinel := range []error{marketplace.ErrUnavailable, marketplace.ErrNotFound, marketplace.ErrAlreadyExists} {
		if errors.Is(err, sentinel) {
			t.Errorf("403 should not match %v", sentinel)
		}
	}
}

func TestNetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, _ := New(context.Background(), Config{BaseURL: addr, Token: "x"})
	if err := c.Health(context.Background()); !errors.Is(err, marketplace.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing base", Config{Token: "x"}},
		{"relative base", Config{BaseURL: "/api", Token: "x"}},
		{"no credentials", Config{BaseURL: "http://example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegisteredAsHTTP(t *testing.T) {
	svc, err := marketplace.NewService(
		marketplace.ProviderConfig{Type: "http", Config: []byte(`{"baseUrl":"http://example.com","token":"x"}`)},
		marketplace.PluginConfig{},
	)
	if err != nil {
		t.Fatalf("NewService(http): %v", err)
	}
	if _, ok := svc.(*Client); !ok {
		t.Errorf("NewService(http) = %T", svc)
	}
}
