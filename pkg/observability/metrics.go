// Package observability exposes pipeline counters to Prometheus.
package observability

import (
	"sync"

	"github.com/illmade-knight/go-campaignflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is satisfied by *messagepipeline.Stats.
type StatsSource interface {
	Snapshot() messagepipeline.StatsSnapshot
}

// AccumulatorSource is satisfied by accumulators and batched writers.
type AccumulatorSource interface {
	Snapshot() messagepipeline.AccumulatorSnapshot
}

// GateSource is satisfied by *messagepipeline.Gate.
type GateSource interface {
	InFlight() int
	Peak() int
	Max() int
}

// PipelineCollector reads snapshots at scrape time, so the pipeline keeps its
// own counters and nothing is double-counted.
type PipelineCollector struct {
	mu           sync.RWMutex
	stats        StatsSource
	accumulators map[string]AccumulatorSource
	gates        map[string]GateSource

	stageEvents    *prometheus.Desc
	failures       *prometheus.Desc
	duplicates     *prometheus.Desc
	receiveErrors  *prometheus.Desc
	inFlight       *prometheus.Desc
	reconciliation *prometheus.Desc
	uptime         *prometheus.Desc

	accPending       *prometheus.Desc
	accBatches       *prometheus.Desc
	accItems         *prometheus.Desc
	accFlushFailures *prometheus.Desc
	accItemsFailed   *prometheus.Desc

	gateInFlight *prometheus.Desc
	gatePeak     *prometheus.Desc
	gateMax      *prometheus.Desc
}

// NewPipelineCollector creates a collector whose metric names start with namespace.
func NewPipelineCollector(namespace string) *PipelineCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }
	return &PipelineCollector{
		accumulators: make(map[string]AccumulatorSource),
		gates:        make(map[string]GateSource),

		stageEvents: prometheus.NewDesc(name("pipeline_events_total"),
			"Messages that completed each pipeline stage.", []string{"stage"}, nil),
		failures: prometheus.NewDesc(name("pipeline_failures_total"),
			"Messages that ended in a failure state, by kind.", []string{"kind"}, nil),
		duplicates: prometheus.NewDesc(name("pipeline_duplicates_total"),
			"Redelivered messages skipped because they were already processed.", nil, nil),
		receiveErrors: prometheus.NewDesc(name("queue_receive_errors_total"),
			"Failed queue receive calls.", nil, nil),
		inFlight: prometheus.NewDesc(name("pipeline_in_flight"),
			"Messages currently being processed.", nil, nil),
		reconciliation: prometheus.NewDesc(name("pipeline_reconciliation_needed_total"),
			"Raw records persisted without a normalized record.", nil, nil),
		uptime: prometheus.NewDesc(name("pipeline_uptime_seconds"),
			"Seconds since the pipeline stats were created.", nil, nil),

		accPending: prometheus.NewDesc(name("accumulator_pending"),
			"Items buffered and waiting for a flush.", []string{"accumulator"}, nil),
		accBatches: prometheus.NewDesc(name("accumulator_batches_total"),
			"Batches handed to the sink.", []string{"accumulator"}, nil),
		accItems: prometheus.NewDesc(name("accumulator_items_flushed_total"),
			"Items accepted by the sink.", []string{"accumulator"}, nil),
		accFlushFailures: prometheus.NewDesc(name("accumulator_flush_failures_total"),
			"Failed sink calls.", []string{"accumulator"}, nil),
		accItemsFailed: prometheus.NewDesc(name("accumulator_items_failed_total"),
			"Items whose failure was reported to the caller.", []string{"accumulator"}, nil),

		gateInFlight: prometheus.NewDesc(name("gate_in_flight"),
			"Operations currently holding a gate slot.", []string{"gate"}, nil),
		gatePeak: prometheus.NewDesc(name("gate_peak_in_flight"),
			"Highest number of operations seen holding a slot at once.", []string{"gate"}, nil),
		gateMax: prometheus.NewDesc(name("gate_capacity"),
			"Configured number of gate slots.", []string{"gate"}, nil),
	}
}

// SetStats attaches the pipeline stats.
func (c *PipelineCollector) SetStats(s StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = s
}

// AddAccumulator registers an accumulator under a label value.
func (c *PipelineCollector) AddAccumulator(name string, src AccumulatorSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulators[name] = src
}

// AddGate registers a gate under a label value.
func (c *PipelineCollector) AddGate(name string, g GateSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gates[name] = g
}

// Describe implements prometheus.Collector.
func (c *PipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.stageEvents, c.failures, c.duplicates, c.receiveErrors, c.inFlight, c.reconciliation, c.uptime,
		c.accPending, c.accBatches, c.accItems, c.accFlushFailures, c.accItemsFailed,
		c.gateInFlight, c.gatePeak, c.gateMax,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PipelineCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stats != nil {
		s := c.stats.Snapshot()
		for stage, v := range map[string]int64{
			"received":             s.Received,
			"parsed":               s.Parsed,
			"raw_persisted":        s.RawPersisted,
			"normalized":           s.Normalized,
			"normalized_persisted": s.NormalizedPersisted,
			"acknowledged":         s.Acknowledged,
		} {
			ch <- prometheus.MustNewConstMetric(c.stageEvents, prometheus.CounterValue, float64(v), stage)
		}
		for kind, v := range map[string]int64{
			"validation":       s.ValidationFailures,
			"raw_write":        s.RawWriteFailures,
			"normalization":    s.NormalizationFailures,
			"normalized_write": s.NormalizedWriteFailures,
			"ack":              s.AckFailures,
			"timeout":          s.Timeouts,
		} {
			ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(v), kind)
		}
		ch <- prometheus.MustNewConstMetric(c.duplicates, prometheus.CounterValue, float64(s.Duplicates))
		ch <- prometheus.MustNewConstMetric(c.receiveErrors, prometheus.CounterValue, float64(s.ReceiveErrors))
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight))
		ch <- prometheus.MustNewConstMetric(c.reconciliation, prometheus.CounterValue, float64(s.ReconciliationNeeded()))
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.Uptime.Seconds())
	}

	for name, src := range c.accumulators {
		a := src.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.accPending, prometheus.GaugeValue, float64(a.Pending), name)
		ch <- prometheus.MustNewConstMetric(c.accBatches, prometheus.CounterValue, float64(a.BatchesFlushed), name)
		ch <- prometheus.MustNewConstMetric(c.accItems, prometheus.CounterValue, float64(a.ItemsFlushed), name)
		ch <- prometheus.MustNewConstMetric(c.accFlushFailures, prometheus.CounterValue, float64(a.FlushFailures), name)
		ch <- prometheus.MustNewConstMetric(c.accItemsFailed, prometheus.CounterValue, float64(a.ItemsFailed), name)
	}

	for name, g := range c.gates {
		ch <- prometheus.MustNewConstMetric(c.gateInFlight, prometheus.GaugeValue, float64(g.InFlight()), name)
		ch <- prometheus.MustNewConstMetric(c.gatePeak, prometheus.GaugeValue, float64(g.Peak()), name)
		ch <- prometheus.MustNewConstMetric(c.gateMax, prometheus.GaugeValue, float64(g.Max()), name)
	}
}
