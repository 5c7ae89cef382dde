package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/roomhub/internal/registry"
)

const metricsNamespace = "roomhub"

// registryCollector exposes registry.Snapshot to Prometheus. Every scrape
// reads a fresh snapshot.
type registryCollector struct {
	reg *registry.Registry

	total     *prometheus.Desc
	peak      *prometheus.Desc
	failed    *prometheus.Desc
	succeeded *prometheus.Desc
	active    *prometheus.Desc
	rooms     *prometheus.Desc
	timeouts  *prometheus.Desc
}

func newRegistryCollector(reg *registry.Registry) *registryCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	return &registryCollector{
		reg:       reg,
		total:     desc("connections", "Connections currently admitted."),
		peak:      desc("connections_peak", "Highest number of simultaneously admitted connections."),
		failed:    desc("connections_failed_total", "Connection attempts that were rejected."),
		succeeded: desc("connections_succeeded_total", "Connection attempts that were admitted."),
		active:    desc("active_connections", "Slots held in the global admission counter."),
		rooms:     desc("active_rooms", "Rooms with at least one member."),
		timeouts:  desc("timeouts_total", "Expired time bounds by operation.", "category"),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.peak
	ch <- c.failed
	ch <- c.succeeded
	ch <- c.active
	ch <- c.rooms
	ch <- c.timeouts
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.reg.Metrics()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(s.Peak))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(c.succeeded, prometheus.CounterValue, float64(s.Succeeded))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.rooms, prometheus.GaugeValue, float64(s.Rooms))
	for _, cat := range registry.TimeoutCategories {
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts[cat]), string(cat))
	}
}

// MetricsHandler serves the registry counters and Go runtime metrics in the
// Prometheus text format, from a prometheus registry owned by s.
func (s *Server) MetricsHandler() http.Handler {
	pr := prometheus.NewRegistry()
	pr.MustRegister(
		newRegistryCollector(s.registry),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(pr, promhttp.HandlerOpts{})
}
