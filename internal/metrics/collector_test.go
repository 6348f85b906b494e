package metrics

import (
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fixedStats CampaignStats

func (f fixedStats) CampaignStats() CampaignStats { return CampaignStats(f) }

func TestCampaignCollector(t *testing.T) {
	c := newCampaignCollector(fixedStats{RecordID: "rec-1", Survey: "s1", Valid: 3, Rejected: 1, Tasks: 2, Target: 10})

	if n := testutil.CollectAndCount(c); n != 4 {
		t.Fatalf("CollectAndCount() = %d, want 4", n)
	}

	want := `
# HELP crowdq_campaign_responses Current number of classified responses in the execution record by list.
# TYPE crowdq_campaign_responses gauge
crowdq_campaign_responses{list="rejected",record="rec-1",survey="s1"} 1
crowdq_campaign_responses{list="valid",record="rec-1",survey="s1"} 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "crowdq_campaign_responses"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestCampaignCollectorNilSource(t *testing.T) {
	if n := testutil.CollectAndCount(newCampaignCollector(nil)); n != 0 {
		t.Errorf("CollectAndCount() = %d, want 0", n)
	}
}

func TestSandboxCollector(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	mr.HSet(KeySandboxTasks, "t1", "{}", "t2", "{}")
	mr.HSet(KeySandboxStatus, "SUBMITTED", "2", "APPROVED", "5")
	mr.Lpush(KeySandboxBonuses, "{}")

	c := newSandboxCollector(rdb, nil)
	// tasks + two statuses + bonuses
	if n := testutil.CollectAndCount(c); n != 4 {
		t.Fatalf("CollectAndCount() = %d, want 4", n)
	}

	want := `
# HELP crowdq_sandbox_submissions Current number of sandbox submissions by status.
# TYPE crowdq_sandbox_submissions gauge
crowdq_sandbox_submissions{status="APPROVED"} 5
crowdq_sandbox_submissions{status="SUBMITTED"} 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "crowdq_sandbox_submissions"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}
