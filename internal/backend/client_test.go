package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osvaldoandrade/crowdq/internal/backoff"
	"github.com/osvaldoandrade/crowdq/internal/ratelimit"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace/memory"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func (s *sleepLog) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t time.Duration
	for _, w := range s.waits {
		t += w
	}
	return t
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, svc marketplace.Service, opts Options) (Client, *sleepLog) {
	t.Helper()
	sl := &sleepLog{}
	pol := backoff.DefaultPolicy(quietLogger())
	pol.Sleep = sl.sleep
	opts.Retry = pol
	opts.Logger = quietLogger()
	if opts.Name == "" {
		opts.Name = "memory"
	}
	return NewClient(svc, opts), sl
}

func params(title string) domain.TaskParams {
	return domain.TaskParams{Title: title, MaxSubmissions: 2, Lifetime: time.Hour, Reward: 0.5}
}

func TestCreateTaskRetriesTransient(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	sb.FailNext(marketplace.OpCreateTask, 3, marketplace.ErrUnavailable)
	c, sl := newTestClient(t, sb, Options{})

	id, err := c.CreateTask(context.Background(), params("survey"))
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if id == "" {
		t.Fatalf("CreateTask() returned empty id")
	}
	if got := sb.Calls(marketplace.OpCreateTask); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
	if got := sl.total(); got != 7*time.Second {
		t.Errorf("slept %s, want 7s", got)
	}
}

func TestCreateTaskRetriesDuplicate(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	sb.FailNext(marketplace.OpCreateTask, 1, marketplace.ErrAlreadyExists)
	c, _ := newTestClient(t, sb, Options{})

	if _, err := c.CreateTask(context.Background(), params("survey")); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if got := sb.Calls(marketplace.OpCreateTask); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestCreateTaskTerminalFailure(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	c, sl := newTestClient(t, sb, Options{})

	_, err := c.CreateTask(context.Background(), domain.TaskParams{Title: "broken"})
	var tce *TaskCreationError
	if !errors.As(err, &tce) {
		t.Fatalf("expected TaskCreationError, got %v", err)
	}
	if tce.Title != "broken" {
		t.Errorf("Title = %q", tce.Title)
	}
	if !errors.Is(err, marketplace.ErrInvalid) {
		t.Errorf("expected ErrInvalid in chain, got %v", err)
	}
	if len(sl.waits) != 0 {
		t.Errorf("terminal error slept %v", sl.waits)
	}
}

func TestCreateTaskCeiling(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	sb.FailNext(marketplace.OpCreateTask, 100, marketplace.ErrUnavailable)
	c, _ := newTestClient(t, sb, Options{})

	_, err := c.CreateTask(context.Background(), params("survey"))
	var tce *TaskCreationError
	if !errors.As(err, &tce) {
		t.Fatalf("expected TaskCreationError, got %v", err)
	}
	if !errors.Is(err, backoff.ErrTimedOut) {
		t.Errorf("expected ErrTimedOut in chain, got %v", err)
	}
}

func TestFetchTask(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	c, _ := newTestClient(t, sb, Options{})
	ctx := context.Background()

	id, err := c.CreateTask(ctx, params("survey"))
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	sb.FailNext(marketplace.OpGetTask, 1, marketplace.ErrUnavailable)
	task, ok, err := c.FetchTask(ctx, id)
	if err != nil || !ok {
		t.Fatalf("FetchTask() = %v, %v, %v", task, ok, err)
	}
	if task.ID != id || task.Available != 2 {
		t.Errorf("unexpected task %+v", task)
	}

	task, ok, err = c.FetchTask(ctx, "missing")
	if err != nil || ok || task != nil {
		t.Errorf("FetchTask(missing) = %v, %v, %v; want nil, false, nil", task, ok, err)
	}
}

func TestListSubmissionsEmpty(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	c, _ := newTestClient(t, sb, Options{})
	ctx := context.Background()
	id, _ := c.CreateTask(ctx, params("survey"))

	subs, err := c.ListSubmissions(ctx, id)
	if err != nil {
		t.Fatalf("ListSubmissions() error = %v", err)
	}
	if subs == nil || len(subs) != 0 {
		t.Errorf("ListSubmissions() = %#v, want empty non-nil", subs)
	}
}

func TestExtendAndExpire(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	c, _ := newTestClient(t, sb, Options{})
	ctx := context.Background()
	id, _ := c.CreateTask(ctx, params("survey"))

	if !c.ExtendTask(ctx, id, 3, time.Minute) {
		t.Fatalf("ExtendTask() = false")
	}
	task, _, _ := c.FetchTask(ctx, id)
	if task.MaxSubmissions != 5 || !task.ExpiresAt.Equal(testNow.Add(time.Hour+time.Minute)) {
		t.Errorf("unexpected extended task %+v", task)
	}
	if c.ExtendTask(ctx, "missing", 1, time.Minute) {
		t.Errorf("ExtendTask(missing) = true")
	}

	if !c.ExpireTask(ctx, id) {
		t.Fatalf("ExpireTask() = false")
	}
	task, _, _ = c.FetchTask(ctx, id)
	if task.Status != domain.TaskUnassignable {
		t.Errorf("status after expire = %s", task.Status)
	}
	if c.ExpireTask(ctx, "missing") {
		t.Errorf("ExpireTask(missing) = true")
	}
}

func TestApproveSubmissionIdempotent(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	c, _ := newTestClient(t, sb, Options{})
	ctx := context.Background()
	id, _ := c.CreateTask(ctx, params("survey"))
	sub, err := sb.Submit(id, "w1", `{}`)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !c.ApproveSubmission(ctx, sub.ID) {
		t.Fatalf("first ApproveSubmission() = false")
	}
	if !c.ApproveSubmission(ctx, sub.ID) {
		t.Errorf("second ApproveSubmission() = false, want true")
	}
	if c.ApproveSubmission(ctx, "missing") {
		t.Errorf("ApproveSubmission(missing) = true")
	}
	got, _ := sb.Submission(sub.ID)
	if got.Status != domain.SubmissionApproved {
		t.Errorf("status = %s", got.Status)
	}
}

func TestGrantBonusPaysOncePerCall(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	c, _ := newTestClient(t, sb, Options{})
	ctx := context.Background()
	id, _ := c.CreateTask(ctx, params("survey"))
	sub, _ := sb.Submit(id, "w1", `{}`)

	sb.FailNext(marketplace.OpGrantBonus, 2, marketplace.ErrUnavailable)
	if err := c.GrantBonus(ctx, "w1", 1.25, sub.ID, "great answers"); err != nil {
		t.Fatalf("GrantBonus() error = %v", err)
	}
	bonuses := sb.Bonuses()
	if len(bonuses) != 1 || bonuses[0].Amount != 1.25 || bonuses[0].Token == "" {
		t.Fatalf("bonuses = %+v", bonuses)
	}

	err := c.GrantBonus(ctx, "w2", 1, sub.ID, "wrong worker")
	if !errors.Is(err, marketplace.ErrNotFound) {
		t.Errorf("GrantBonus(wrong worker) error = %v, want ErrNotFound", err)
	}
}

func TestBackendHeaders(t *testing.T) {
	c, _ := newTestClient(t, memory.NewSandbox(nil), Options{ExtraFields: []string{"workerCountry", "acceptTime", "", "assignmentId"}})
	want := []string{"acceptTime", "assignmentId", "submitTime", "workerCountry"}
	if got := c.BackendHeaders(); !reflect.DeepEqual(got, want) {
		t.Errorf("BackendHeaders() = %v, want %v", got, want)
	}
}

// concurrencyProbe records the highest number of overlapping remote calls.
type concurrencyProbe struct {
	marketplace.Service
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *concurrencyProbe) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return p.Service.GetTask(ctx, id)
}

func TestClientSerializesRemoteCalls(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	probe := &concurrencyProbe{Service: sb}
	c, _ := newTestClient(t, probe, Options{})
	ctx := context.Background()
	id, _ := c.CreateTask(ctx, params("survey"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := c.FetchTask(ctx, id); !ok || err != nil {
				t.Errorf("FetchTask() = %v, %v", ok, err)
			}
		}()
	}
	wg.Wait()
	if got := probe.peak.Load(); got != 1 {
		t.Errorf("peak concurrent calls = %d, want 1", got)
	}
}

type denyOnce struct {
	mu     sync.Mutex
	denied bool
}

func (d *denyOnce) Allow(ctx context.Context, scope, subject string, bucket ratelimit.Bucket) (ratelimit.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.denied {
		d.denied = true
		return ratelimit.Decision{Allowed: false, RetryAfter: 3 * time.Second}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func TestClientWaitsOnRateLimiter(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	c, sl := newTestClient(t, sb, Options{
		Limiter: &denyOnce{},
		Bucket:  ratelimit.Bucket{RequestsPerMinute: 60, BurstSize: 1},
	})
	if _, err := c.CreateTask(context.Background(), params("survey")); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if got := sl.total(); got != 3*time.Second {
		t.Errorf("slept %s, want 3s from limiter", got)
	}
}

func TestOperationsGiveUpAtCeiling(t *testing.T) {
	tests := []struct {
		name string
		op   string
		run  func(ctx context.Context, c Client, taskID string) (ok bool, err error)
	}{
		{"extend", marketplace.OpExtendTask, func(ctx context.Context, c Client, id string) (bool, error) {
			return c.ExtendTask(ctx, id, 1, time.Minute), nil
		}},
		{"expire", marketplace.OpExpireTask, func(ctx context.Context, c Client, id string) (bool, error) {
			return c.ExpireTask(ctx, id), nil
		}},
		{"approve", marketplace.OpApproveSubmission, func(ctx context.Context, c Client, id string) (bool, error) {
			return c.ApproveSubmission(ctx, "sub-1"), nil
		}},
		{"fetch", marketplace.OpGetTask, func(ctx context.Context, c Client, id string) (bool, error) {
			_, ok, err := c.FetchTask(ctx, id)
			return ok, err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := memory.NewSandbox(func() time.Time { return testNow })
			c, sl := newTestClient(t, sb, Options{})
			ctx := context.Background()
			id, err := c.CreateTask(ctx, params("survey"))
			if err != nil {
				t.Fatalf("CreateTask() error = %v", err)
			}

			sb.FailNext(tt.op, 100, marketplace.ErrUnavailable)
			ok, err := tt.run(ctx, c, id)
			if ok {
				t.Fatalf("%s reported success while the backend stayed unavailable", tt.name)
			}
			if tt.op == marketplace.OpGetTask && !errors.Is(err, backoff.ErrTimedOut) {
				t.Fatalf("FetchTask() error = %v, want ErrTimedOut", err)
			}
			// waits of 1s doubling up to 64s; the next 128s wait exceeds the 120s ceiling
			if got := sb.Calls(tt.op); got != 8 {
				t.Errorf("calls = %d, want 8", got)
			}
			if got := sl.total(); got != 127*time.Second {
				t.Errorf("slept %s, want 127s", got)
			}
		})
	}
}

func TestOperationsFailFastOnTerminalErrors(t *testing.T) {
	sb := memory.NewSandbox(func() time.Time { return testNow })
	c, sl := newTestClient(t, sb, Options{})
	ctx := context.Background()

	if c.ExtendTask(ctx, "missing", 1, time.Minute) {
		t.Error("ExtendTask(missing) = true")
	}
	if c.ExpireTask(ctx, "missing") {
		t.Error("ExpireTask(missing) = true")
	}
	if c.ApproveSubmission(ctx, "missing") {
		t.Error("ApproveSubmission(missing) = true")
	}
	for _, op := range []string{marketplace.OpExtendTask, marketplace.OpExpireTask, marketplace.OpApproveSubmission} {
		if got := sb.Calls(op); got != 1 {
			t.Errorf("%s calls = %d, want 1", op, got)
		}
	}
	if len(sl.waits) != 0 {
		t.Errorf("terminal errors slept %v", sl.waits)
	}
}
