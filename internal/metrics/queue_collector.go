package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueStatsEntry is one queue's point-in-time statistics, as produced by
// acdqueue.Queue.Data.Stats() and acdqueue.Queue.NumAvailableMembers().
type QueueStatsEntry struct {
	Name          string
	Waiting       int
	AvailableMem  int
	Holdtime      float64
	Talktime      float64
	Completed     int
	CompletedInSL int
	Abandoned     int
}

// QueueStatsProvider exposes a snapshot of every registered queue's stats.
// internal/acdqueue.QueueRegistry backs this at runtime.
type QueueStatsProvider interface {
	QueueStats() []QueueStatsEntry
}

// QueueCollector is a prometheus.Collector gathering call-queue metrics at
// scrape time, following the same Describe/Collect shape as Collector.
type QueueCollector struct {
	queues QueueStatsProvider

	waitingDesc       *prometheus.Desc
	availableDesc     *prometheus.Desc
	holdtimeDesc      *prometheus.Desc
	talktimeDesc      *prometheus.Desc
	completedDesc     *prometheus.Desc
	completedInSLDesc *prometheus.Desc
	abandonedDesc     *prometheus.Desc
}

// NewQueueCollector creates a new QueueCollector. queues may be nil if no
// queue engine is wired into this process.
func NewQueueCollector(queues QueueStatsProvider) *QueueCollector {
	return &QueueCollector{
		queues: queues,
		waitingDesc: prometheus.NewDesc(
			"ringbase_queue_waiting_callers",
			"Number of callers currently waiting in the queue",
			[]string{"queue"}, nil,
		),
		availableDesc: prometheus.NewDesc(
			"ringbase_queue_available_members",
			"Number of members currently able to take a call",
			[]string{"queue"}, nil,
		),
		holdtimeDesc: prometheus.NewDesc(
			"ringbase_queue_holdtime_seconds",
			"Exponentially weighted average hold time",
			[]string{"queue"}, nil,
		),
		talktimeDesc: prometheus.NewDesc(
			"ringbase_queue_talktime_seconds",
			"Exponentially weighted average talk time",
			[]string{"queue"}, nil,
		),
		completedDesc: prometheus.NewDesc(
			"ringbase_queue_calls_completed_total",
			"Total calls completed by a member for this queue",
			[]string{"queue"}, nil,
		),
		completedInSLDesc: prometheus.NewDesc(
			"ringbase_queue_calls_completed_in_sl_total",
			"Total calls completed within the queue's service level",
			[]string{"queue"}, nil,
		),
		abandonedDesc: prometheus.NewDesc(
			"ringbase_queue_calls_abandoned_total",
			"Total calls abandoned while waiting",
			[]string{"queue"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.waitingDesc
	ch <- c.availableDesc
	ch <- c.holdtimeDesc
	ch <- c.talktimeDesc
	ch <- c.completedDesc
	ch <- c.completedInSLDesc
	ch <- c.abandonedDesc
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	if c.queues == nil {
		return
	}
	for _, q := range c.queues.QueueStats() {
		ch <- prometheus.MustNewConstMetric(c.waitingDesc, prometheus.GaugeValue, float64(q.Waiting), q.Name)
		ch <- prometheus.MustNewConstMetric(c.availableDesc, prometheus.GaugeValue, float64(q.AvailableMem), q.Name)
		ch <- prometheus.MustNewConstMetric(c.holdtimeDesc, prometheus.GaugeValue, q.Holdtime, q.Name)
		ch <- prometheus.MustNewConstMetric(c.talktimeDesc, prometheus.GaugeValue, q.Talktime, q.Name)
		ch <- prometheus.MustNewConstMetric(c.completedDesc, prometheus.CounterValue, float64(q.Completed), q.Name)
		ch <- prometheus.MustNewConstMetric(c.completedInSLDesc, prometheus.CounterValue, float64(q.CompletedInSL), q.Name)
		ch <- prometheus.MustNewConstMetric(c.abandonedDesc, prometheus.CounterValue, float64(q.Abandoned), q.Name)
	}
}
