package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CampaignStats is a point-in-time view of one campaign run.
type CampaignStats struct {
	RecordID string
	Survey   string
	Valid    int
	Rejected int
	Tasks    int
	Target   int
}

type StatsSource interface {
	CampaignStats() CampaignStats
}

type campaignCollector struct {
	src StatsSource

	responsesDesc *prometheus.Desc
	tasksDesc     *prometheus.Desc
	targetDesc    *prometheus.Desc
}

func newCampaignCollector(src StatsSource) *campaignCollector {
	labels := []string{"record", "survey"}
	return &campaignCollector{
		src: src,
		responsesDesc: prometheus.NewDesc(
			"crowdq_campaign_responses",
			"Current number of classified responses in the execution record by list.",
			append(labels, "list"),
			nil,
		),
		tasksDesc: prometheus.NewDesc(
			"crowdq_campaign_tasks",
			"Number of tasks posted for the campaign run.",
			labels,
			nil,
		),
		targetDesc: prometheus.NewDesc(
			"crowdq_campaign_target",
			"Participant target for the campaign run.",
			labels,
			nil,
		),
	}
}

func (c *campaignCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.responsesDesc
	ch <- c.tasksDesc
	ch <- c.targetDesc
}

func (c *campaignCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src == nil {
		return
	}
	s := c.src.CampaignStats()
	emitGauge(ch, c.responsesDesc, float64(s.Valid), s.RecordID, s.Survey, "valid")
	emitGauge(ch, c.responsesDesc, float64(s.Rejected), s.RecordID, s.Survey, "rejected")
	emitGauge(ch, c.tasksDesc, float64(s.Tasks), s.RecordID, s.Survey)
	emitGauge(ch, c.targetDesc, float64(s.Target), s.RecordID, s.Survey)
}

var registerCampaignCollectorOnce sync.Once

// RegisterCampaignCollector registers the per-run gauges. Only the first call takes effect.
func RegisterCampaignCollector(src StatsSource) {
	registerCampaignCollectorOnce.Do(func() {
		prometheus.MustRegister(newCampaignCollector(src))
	})
}
