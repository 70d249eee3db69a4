// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics exposes the daemon's job and reconciliation counters
// to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/lvmd/core/objectgraph"
)

const metricsNamespace = "lvmd"

// Hub is the part of the object store's hub the collector listens on.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Collector is a prometheus.Collector that records jobs and
// reconciliations, and tracks the number of published objects.
// It satisfies both jobs.Recorder and lvmsync.Recorder.
type Collector struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	reconciles    *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	published     *prometheus.GaugeVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_started_total",
				Help:      "The number of jobs started, by operation.",
			}, []string{"kind"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_completed_total",
				Help:      "The number of jobs completed, by operation and result.",
			}, []string{"kind", "result"},
		),
		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_total",
				Help:      "The number of volume group reconciliations, by result.",
			}, []string{"result"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "refresh_total",
				Help:      "The number of per-group volume refreshes, by result.",
			}, []string{"result"},
		),
		published: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "published_objects",
				Help:      "The number of objects currently published, by kind.",
			}, []string{"kind"},
		),
	}
}

// Subscribe keeps the published object gauge in step with the store
// events on hub. It must be called before anything is published. The
// returned func stops the subscription.
func (c *Collector) Subscribe(hub Hub) func() {
	unsubPublished := hub.Subscribe(objectgraph.PublishedTopic, func(_ string, data interface{}) {
		if event, ok := data.(objectgraph.Event); ok {
			c.published.WithLabelValues(string(event.Kind)).Inc()
		}
	})
	unsubUnpublished := hub.Subscribe(objectgraph.UnpublishedTopic, func(_ string, data interface{}) {
		if event, ok := data.(objectgraph.Event); ok {
			c.published.WithLabelValues(string(event.Kind)).Dec()
		}
	})
	return func() {
		unsubPublished()
		unsubUnpublished()
	}
}

// JobStarted is part of the jobs.Recorder interface.
func (c *Collector) JobStarted(kind string) {
	c.jobsStarted.WithLabelValues(kind).Inc()
}

// JobCompleted is part of the jobs.Recorder interface.
func (c *Collector) JobCompleted(kind string, success bool) {
	c.jobsCompleted.WithLabelValues(kind, result(success)).Inc()
}

// ReconcileCompleted is part of the lvmsync.Recorder interface.
func (c *Collector) ReconcileCompleted(success bool) {
	c.reconciles.WithLabelValues(result(success)).Inc()
}

// RefreshCompleted is part of the lvmsync.Recorder interface.
func (c *Collector) RefreshCompleted(success bool) {
	c.refreshes.WithLabelValues(result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.jobsStarted.Describe(ch)
	c.jobsCompleted.Describe(ch)
	c.reconciles.Describe(ch)
	c.refreshes.Describe(ch)
	c.published.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.jobsStarted.Collect(ch)
	c.jobsCompleted.Collect(ch)
	c.reconciles.Collect(ch)
	c.refreshes.Collect(ch)
	c.published.Collect(ch)
}
