// Package metrics exports poll engine measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/master"
)

const namespace = "tagpoller"

// Collector implements master.Observer.
type Collector struct {
	cycleSeconds prometheus.Histogram
	cycleItems   prometheus.Gauge
	readSeconds  *prometheus.HistogramVec
	reads        *prometheus.CounterVec
	writes       *prometheus.CounterVec
	connected    prometheus.Gauge
	transitions  *prometheus.CounterVec
	tags         prometheus.Gauge
	workItems    prometheus.Gauge
	dropped      prometheus.Counter
	published    *prometheus.CounterVec
}

var _ master.Observer = (*Collector)(nil)

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_seconds",
			Help:      "Duration of a full poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		cycleItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_cycle_work_items",
			Help:      "Work items read in the last completed cycle.",
		}),
		readSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_seconds",
			Help:      "Duration of a single work item read.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"table"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Work item reads by table and result.",
		}, []string{"table", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Tag writes by table and result.",
		}, []string{"table", "result"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the master is connected.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		tags: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tags",
			Help:      "Registered tags.",
		}),
		workItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_items",
			Help:      "Work items in the current read plan.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a full subscriber.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Change events handed to publishers by publisher and result.",
		}, []string{"publisher", "result"}),
	}
	reg.MustRegister(
		c.cycleSeconds, c.cycleItems, c.readSeconds, c.reads, c.writes,
		c.connected, c.transitions, c.tags, c.workItems, c.dropped, c.published,
	)
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) CycleCompleted(d time.Duration, items int) {
	c.cycleSeconds.Observe(d.Seconds())
	c.cycleItems.Set(float64(items))
}

func (c *Collector) ReadCompleted(table address.Table, d time.Duration, err error) {
	c.readSeconds.WithLabelValues(table.String()).Observe(d.Seconds())
	c.reads.WithLabelValues(table.String(), result(err)).Inc()
}

func (c *Collector) WriteCompleted(table address.Table, err error) {
	c.writes.WithLabelValues(table.String(), result(err)).Inc()
}

func (c *Collector) StateChanged(s master.State) {
	if s == master.Connected {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
	c.transitions.WithLabelValues(s.String()).Inc()
}

func (c *Collector) PlanRebuilt(tags, items int) {
	c.tags.Set(float64(tags))
	c.workItems.Set(float64(items))
}

func (c *Collector) EventsDropped(n int) {
	c.dropped.Add(float64(n))
}

// Published counts one publisher delivery.
func (c *Collector) Published(publisher string, err error) {
	c.published.WithLabelValues(publisher, result(err)).Inc()
}
