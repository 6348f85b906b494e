package services

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/osvaldoandrade/crowdq/internal/backoff"
	"github.com/osvaldoandrade/crowdq/internal/providers"
	"github.com/osvaldoandrade/crowdq/internal/report"
	"github.com/osvaldoandrade/crowdq/pkg/domain"
)

func shortSleep(ctx context.Context, d time.Duration) error {
	return backoff.SleepOrDone(ctx, time.Millisecond)
}

func newCampaign(t *testing.T, f *fixture, participants int) (CampaignService, string) {
	t.Helper()
	w, err := report.NewWriter(f.rec.ReportPath(), f.rec.Survey(), f.client.BackendHeaders(), quietLogger())
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	published := filepath.Join(f.dir, "published")
	collector := NewCollectorService(f.rec, f.client, nil, []string{"country"}, quietLogger(), f.clock.Now)
	cfg := CampaignConfig{
		Participants: participants,
		PollInterval: time.Second,
		Task:         domain.TaskParams{Title: "Colors", Reward: 0.1, Lifetime: time.Hour},
		UploadPrefix: "runs",
	}
	svc := NewCampaignService(cfg, f.rec, f.client, collector, w, providers.NewLocalUploader(published), quietLogger(), f.clock.Now, shortSleep)
	return svc, published
}

func TestLaunchPostsTaskForParticipants(t *testing.T) {
	f := newFixture(t, nil)
	svc, _ := newCampaign(t, f, 3)
	ctx := context.Background()

	id, err := svc.Launch(ctx)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	task, ok, err := svc.Task(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Task() = %v, %v", ok, err)
	}
	if task.MaxSubmissions != 3 || task.Title != "Colors" || task.Status != domain.TaskAssignable {
		t.Errorf("task = %+v", task)
	}
	if got := f.rec.Tasks(); len(got) != 1 || got[0] != id {
		t.Errorf("record tasks = %v", got)
	}
	if _, ok, err := svc.Task(ctx, "missing"); ok || err != nil {
		t.Errorf("Task(missing) = %v, %v", ok, err)
	}
}

func TestRenewIfExpired(t *testing.T) {
	f := newFixture(t, nil)
	svc, _ := newCampaign(t, f, 3)
	ctx := context.Background()
	id, err := svc.Launch(ctx)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	renewed, err := svc.RenewIfExpired(ctx, id)
	if err != nil || renewed {
		t.Fatalf("RenewIfExpired(live) = %v, %v", renewed, err)
	}

	f.clock.Advance(2 * time.Hour)
	renewed, err = svc.RenewIfExpired(ctx, id)
	if err != nil || !renewed {
		t.Fatalf("RenewIfExpired(expired) = %v, %v", renewed, err)
	}
	task, _, _ := svc.Task(ctx, id)
	if task.MaxSubmissions != 6 {
		t.Errorf("MaxSubmissions = %d, want 6", task.MaxSubmissions)
	}
	if want := f.clock.Now().Add(time.Hour); !task.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", task.ExpiresAt, want)
	}
}

func TestAddSubmissionSlots(t *testing.T) {
	f := newFixture(t, nil)
	svc, _ := newCampaign(t, f, 2)
	ctx := context.Background()
	id, _ := svc.Launch(ctx)
	before, _, _ := svc.Task(ctx, id)

	if svc.AddSubmissionSlots(ctx, id, 0) {
		t.Errorf("AddSubmissionSlots(0) = true")
	}
	if !svc.AddSubmissionSlots(ctx, id, 4) {
		t.Fatalf("AddSubmissionSlots(4) = false")
	}
	after, _, _ := svc.Task(ctx, id)
	if after.MaxSubmissions != before.MaxSubmissions+4 {
		t.Errorf("MaxSubmissions = %d, want %d", after.MaxSubmissions, before.MaxSubmissions+4)
	}
	if got := after.ExpiresAt.Sub(before.ExpiresAt); got != MinExpirationIncrement {
		t.Errorf("lifetime grew by %v, want %v", got, MinExpirationIncrement)
	}
	if svc.AddSubmissionSlots(ctx, "missing", 1) {
		t.Errorf("AddSubmissionSlots(missing) = true")
	}
}

func TestRunCompletesWhenTargetReached(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	svc, published := newCampaign(t, f, 2)
	ctx := context.Background()
	id, err := svc.Launch(ctx)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	f.submit(t, id, "w1", fullAnswer)
	f.submit(t, id, "w2", fullAnswer)

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Run(runCtx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	st := svc.Status()
	if !st.Done || st.Valid != 2 || st.Rejected != 0 || st.Target != 2 {
		t.Errorf("Status() = %+v", st)
	}
	if !strings.HasPrefix(st.Published, "file://") {
		t.Errorf("Published = %q", st.Published)
	}
	task, _, _ := svc.Task(ctx, id)
	if !task.Expired(f.clock.Now()) {
		t.Errorf("task not expired after completion: %+v", task)
	}

	fh, err := os.Open(f.rec.ReportPath())
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	// header plus one row per selected option of each response
	if len(rows) != 9 {
		t.Errorf("report rows = %d, want 9", len(rows))
	}
	if _, err := os.Stat(filepath.Join(published, "runs", filepath.Base(f.rec.ReportPath()))); err != nil {
		t.Errorf("published report missing: %v", err)
	}

	// a second completion is a no-op
	loc, err := svc.Complete(ctx)
	if err != nil || loc != st.Published {
		t.Errorf("Complete() again = %q, %v", loc, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	svc, _ := newCampaign(t, f, 3)
	id, err := svc.Launch(context.Background())
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	f.submit(t, id, "w1", fullAnswer)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := svc.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}

	st := svc.Status()
	if st.Done || st.Valid != 1 {
		t.Errorf("Status() = %+v", st)
	}
	// partial results are still flushed
	if got := f.rec.Unrecorded(); len(got) != 0 {
		t.Errorf("unrecorded after stop = %d", len(got))
	}
	if task, _, _ := svc.Task(context.Background(), id); task.Expired(f.clock.Now()) {
		t.Errorf("task expired although campaign did not complete")
	}
}

func TestCampaignStats(t *testing.T) {
	f := newFixture(t, nil)
	svc, _ := newCampaign(t, f, 4)
	id, _ := svc.Launch(context.Background())
	f.submit(t, id, "w1", fullAnswer)
	f.submit(t, id, "w2", partialAnswer)
	c := NewCollectorService(f.rec, f.client, nil, nil, quietLogger(), f.clock.Now)
	if _, err := c.Poll(context.Background(), id); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	got := svc.CampaignStats()
	if got.RecordID != f.rec.ID() || got.Survey != "s1" || got.Valid != 1 || got.Rejected != 1 || got.Tasks != 1 || got.Target != 4 {
		t.Errorf("CampaignStats() = %+v", got)
	}
}
