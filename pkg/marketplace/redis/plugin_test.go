package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/osvaldoandrade/crowdq/pkg/domain"
	"github.com/osvaldoandrade/crowdq/pkg/marketplace"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisPluginRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()

	svc, err := marketplace.NewService(
		marketplace.ProviderConfig{Type: "redis", Config: []byte(`{"addr":"` + mr.Addr() + `"}`)},
		marketplace.PluginConfig{},
	)
	if err != nil {
		t.Fatalf("NewService(redis): %v", err)
	}
	defer svc.Close()

	ctx := context.Background()
	if err := svc.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	id, err := svc.CreateTask(ctx, domain.TaskParams{Title: "t", Lifetime: time.Hour, MaxSubmissions: 1})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	sub, err := svc.(*Plugin).Submit(ctx, id, "w1", "{}")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.ApproveSubmission(ctx, sub.ID, "ok"); err != nil {
		t.Fatalf("ApproveSubmission: %v", err)
	}
	subs, err := svc.ListSubmissions(ctx, id)
	if err != nil || len(subs) != 1 || subs[0].Status != domain.SubmissionApproved {
		t.Fatalf("ListSubmissions = %+v, %v", subs, err)
	}
	if err := svc.GrantBonus(ctx, marketplace.Bonus{WorkerID: "w1", SubmissionID: sub.ID, Amount: 1, Reason: "r"}); err != nil {
		t.Fatalf("GrantBonus: %v", err)
	}
	if _, err := svc.GetTask(ctx, "missing"); !errors.Is(err, marketplace.ErrNotFound) {
		t.Fatalf("GetTask(missing) error = %v", err)
	}
}

func TestRedisPluginRequiresAddr(t *testing.T) {
	if _, err := NewPlugin(marketplace.PluginConfig{Config: []byte(`{}`)}); err == nil {
		t.Fatal("expected error without addr")
	}
}

func TestRedisPluginHealthUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	svc, err := NewPlugin(marketplace.PluginConfig{Config: []byte(`{"addr":"` + mr.Addr() + `"}`)})
	if err != nil {
		t.Fatalf("NewPlugin: %v", err)
	}
	defer svc.Close()
	mr.Close()

	if err := svc.Health(context.Background()); !errors.Is(err, marketplace.ErrUnavailable) {
		t.Fatalf("Health error = %v, want ErrUnavailable", err)
	}
}
