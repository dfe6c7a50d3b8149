// Package metrics exposes tunnel state to Prometheus.
package metrics

import (
	"github.com/openportio/openport-tunnels/database"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"time"
)

const metricsNamespace = "openport"

// Collector is a prometheus.Collector for the tunnel supervisor. The status gauge is read
// from the registry at scrape time; the counters are fed by the supervisor.
type Collector struct {
	registry       database.TunnelRegistry
	tunnels        *prometheus.Desc
	restarts       prometheus.Counter
	launchFailures *prometheus.CounterVec
	probeDuration  prometheus.Histogram
}

func NewCollector(registry database.TunnelRegistry) *Collector {
	return &Collector{
		registry: registry,
		tunnels: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "tunnels"),
			"The number of registered tunnels by status.",
			[]string{"status"}, nil,
		),
		restarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tunnel_restarts_total",
				Help:      "The number of automatic tunnel restarts.",
			},
		),
		launchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tunnel_launch_failures_total",
				Help:      "The number of tunnel launches that failed.",
			}, []string{"reason"},
		),
		probeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "tunnel_probe_seconds",
				Help:      "The time taken to probe a tunnel.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
	}
}

func (c *Collector) TunnelRestarted(string) {
	c.restarts.Inc()
}

func (c *Collector) LaunchFailed(reason string) {
	c.launchFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) Probed(d time.Duration) {
	c.probeDuration.Observe(d.Seconds())
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tunnels
	c.restarts.Describe(ch)
	c.launchFailures.Describe(ch)
	c.probeDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	tunnels, err := c.registry.ListTunnels()
	if err != nil {
		log.Warnf("Could not list tunnels for metrics: %s", err)
	} else {
		counts := map[database.TunnelStatus]int{}
		for _, tunnel := range tunnels {
			counts[tunnel.Status]++
		}
		for _, status := range database.AllStatuses {
			ch <- prometheus.MustNewConstMetric(c.tunnels, prometheus.GaugeValue, float64(counts[status]), string(status))
		}
	}
	c.restarts.Collect(ch)
	c.launchFailures.Collect(ch)
	c.probeDuration.Collect(ch)
}
