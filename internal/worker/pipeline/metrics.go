// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cdc_pipeline"

// Skip reasons, used as the reason label of the skipped events counter.
const (
	skipTransform = "transform"
	skipRejected  = "rejected"
)

// Collector is a prometheus.Collector that collects metrics about
// pipeline workers. A nil *Collector records nothing.
type Collector struct {
	events          *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	records         *prometheus.CounterVec
	retries         *prometheus.CounterVec
	feedErrors      *prometheus.CounterVec
	state           *prometheus.GaugeVec
	processDuration *prometheus.HistogramVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "The number of change events whose checkpoint was saved.",
			}, []string{"feed"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_skipped_total",
				Help:      "The number of change events skipped without writing records.",
			}, []string{"feed", "reason"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "records_written_total",
				Help:      "The number of flat records upserted.",
			}, []string{"feed"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "write_retries_total",
				Help:      "The number of retried sink and checkpoint writes.",
			}, []string{"feed", "stage"},
		),
		feedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "feed_errors_total",
				Help:      "The number of feed errors that caused a reopen.",
			}, []string{"feed"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "state",
				Help:      "The current state of the pipeline worker.",
			}, []string{"feed"},
		),
		processDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "process_duration_seconds",
				Help:      "The time taken to transform, write and checkpoint an event.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"feed"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.events.Describe(ch)
	c.skipped.Describe(ch)
	c.records.Describe(ch)
	c.retries.Describe(ch)
	c.feedErrors.Describe(ch)
	c.state.Describe(ch)
	c.processDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.events.Collect(ch)
	c.skipped.Collect(ch)
	c.records.Collect(ch)
	c.retries.Collect(ch)
	c.feedErrors.Collect(ch)
	c.state.Collect(ch)
	c.processDuration.Collect(ch)
}

func (c *Collector) eventDone(feed string, records int, took time.Duration) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(feed).Inc()
	c.records.WithLabelValues(feed).Add(float64(records))
	c.processDuration.WithLabelValues(feed).Observe(took.Seconds())
}

func (c *Collector) eventSkipped(feed, reason string) {
	if c == nil {
		return
	}
	c.skipped.WithLabelValues(feed, reason).Inc()
}

func (c *Collector) writeRetried(feed, stage string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(feed, stage).Inc()
}

func (c *Collector) feedError(feed string) {
	if c == nil {
		return
	}
	c.feedErrors.WithLabelValues(feed).Inc()
}

func (c *Collector) stateChanged(feed string, state State) {
	if c == nil {
		return
	}
	c.state.WithLabelValues(feed).Set(float64(state))
}
