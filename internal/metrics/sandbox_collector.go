package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// Key layout shared with the redis marketplace sandbox.
const (
	KeySandboxTasks   = "crowdq:mk:tasks"
	KeySandboxStatus  = "crowdq:mk:status"
	KeySandboxBonuses = "crowdq:mk:bonuses"
)

type sandboxCollector struct {
	rdb    *redis.Client
	logger *slog.Logger

	tasksDesc       *prometheus.Desc
	submissionsDesc *prometheus.Desc
	bonusesDesc     *prometheus.Desc
}

func newSandboxCollector(rdb *redis.Client, logger *slog.Logger) *sandboxCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &sandboxCollector{
		rdb:    rdb,
		logger: logger,
		tasksDesc: prometheus.NewDesc(
			"crowdq_sandbox_tasks",
			"Current number of tasks held by the redis marketplace sandbox.",
			nil,
			nil,
		),
		submissionsDesc: prometheus.NewDesc(
			"crowdq_sandbox_submissions",
			"Current number of sandbox submissions by status.",
			[]string{"status"},
			nil,
		),
		bonusesDesc: prometheus.NewDesc(
			"crowdq_sandbox_bonuses",
			"Current number of bonuses paid by the sandbox.",
			nil,
			nil,
		),
	}
}

func (c *sandboxCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasksDesc
	ch <- c.submissionsDesc
	ch <- c.bonusesDesc
}

func (c *sandboxCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := c.rdb.Pipeline()
	tasks := pipe.HLen(ctx, KeySandboxTasks)
	status := pipe.HGetAll(ctx, KeySandboxStatus)
	bonuses := pipe.LLen(ctx, KeySandboxBonuses)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus sandbox collector failed", "err", err)
		return
	}

	emitGauge(ch, c.tasksDesc, float64(tasks.Val()))
	for st, raw := range status.Val() {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		emitGauge(ch, c.submissionsDesc, float64(n), st)
	}
	emitGauge(ch, c.bonusesDesc, float64(bonuses.Val()))
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerSandboxCollectorOnce sync.Once

func RegisterSandboxCollector(rdb *redis.Client, logger *slog.Logger) {
	registerSandboxCollectorOnce.Do(func() {
		prometheus.MustRegister(newSandboxCollector(rdb, logger))
	})
}
