// Package poolstats exports pgxpool connection statistics as prometheus
// metrics.
package poolstats

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ stat                 = (*pgxpool.Stat)(nil)
)

// The subset of pgxpool.Stat read by the collector.
type stat interface {
	AcquireCount() int64
	AcquireDuration() time.Duration
	AcquiredConns() int32
	CanceledAcquireCount() int64
	ConstructingConns() int32
	EmptyAcquireCount() int64
	IdleConns() int32
	MaxConns() int32
	TotalConns() int32
}

// Stater is a provider of the Stat method. Implemented by pgxpool.Pool.
type Stater interface {
	Stat() *pgxpool.Stat
}

// A gauge reads one value out of a pool's statistics snapshot.
type gauge struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(stat) float64
}

// Collector collects the statistics reported by pgxpool.Stat.
type Collector struct {
	name   string
	stat   func() stat
	gauges []gauge
}

// NewCollector creates a Collector reading stats from the stater. The
// application name labels every metric; use distinct names when a process
// holds more than one pool.
func NewCollector(stater Stater, appname string) *Collector {
	return newCollector(func() stat { return stater.Stat() }, appname)
}

func newCollector(fn func() stat, name string) *Collector {
	labels := []string{"application_name"}
	mk := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(metric, help, labels, nil)
	}
	return &Collector{
		name: name,
		stat: fn,
		gauges: []gauge{
			{
				desc:  mk("pgxpool_acquire_count", "Cumulative count of successful acquires from the pool."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.AcquireCount()) },
			},
			{
				desc:  mk("pgxpool_acquire_duration_seconds_total", "Total duration of all successful acquires from the pool."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return s.AcquireDuration().Seconds() },
			},
			{
				desc:  mk("pgxpool_acquired_conns", "Number of currently acquired connections in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.AcquiredConns()) },
			},
			{
				desc:  mk("pgxpool_canceled_acquire_count", "Cumulative count of acquires from the pool that were canceled by a context."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.CanceledAcquireCount()) },
			},
			{
				desc:  mk("pgxpool_constructing_conns", "Number of conns with construction in progress in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.ConstructingConns()) },
			},
			{
				desc:  mk("pgxpool_empty_acquire", "Cumulative count of acquires that waited because the pool was empty."),
				kind:  prometheus.CounterValue,
				value: func(s stat) float64 { return float64(s.EmptyAcquireCount()) },
			},
			{
				desc:  mk("pgxpool_idle_conns", "Number of currently idle conns in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.IdleConns()) },
			},
			{
				desc:  mk("pgxpool_max_conns", "Maximum size of the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.MaxConns()) },
			},
			{
				desc:  mk("pgxpool_total_conns", "Total number of resources currently in the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s stat) float64 { return float64(s.TotalConns()) },
			},
		},
	}
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	s := c.stat()
	for _, g := range c.gauges {
		metrics <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(s), c.name)
	}
}
