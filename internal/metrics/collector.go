// Package metrics exports the MCMP agent's view of its proxies to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modcluster/mod-cluster-sub001/internal/logger"
)

var log = logger.WithComponent("metrics")

// Request results
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDown    = "down"
	ResultIOError = "io_error"
	ResultSkipped = "skipped"
)

// States exported for every proxy, so absent states read as 0
var knownStates = []string{"OK", "ERROR", "DOWN"}

// ProxyInfo is one proxy as seen by the collector
type ProxyInfo struct {
	Address     string
	State       string
	Established bool
}

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcmp_requests_total",
		Help: "MCMP requests by verb and outcome",
	}, []string{"type", "result"})

	statusCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcmp_status_cycles_total",
		Help: "Periodic status passes executed",
	})
)

// RecordRequest counts one request outcome
func RecordRequest(command, result string) {
	requestsTotal.WithLabelValues(command, result).Inc()
}

// RecordStatusCycle counts one periodic status pass
func RecordStatusCycle() {
	statusCyclesTotal.Inc()
}

// Collector implements prometheus.Collector over the proxy pool and the
// request counters
type Collector struct {
	proxyState       *prometheus.Desc
	proxyEstablished *prometheus.Desc

	snapshot func() []ProxyInfo
}

// NewCollector creates a collector reading the pool through snapshot
func NewCollector(snapshot func() []ProxyInfo) *Collector {
	return &Collector{
		proxyState: prometheus.NewDesc(
			"mcmp_proxy_state",
			"Health of each proxy (1 for the current state)",
			[]string{"proxy", "state"},
			nil,
		),
		proxyEstablished: prometheus.NewDesc(
			"mcmp_proxy_established",
			"Whether the proxy has accepted this node",
			[]string{"proxy"},
			nil,
		),
		snapshot: snapshot,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.proxyState
	ch <- c.proxyEstablished
	requestsTotal.Describe(ch)
	statusCyclesTotal.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.snapshot != nil {
		for _, p := range c.snapshot() {
			for _, state := range knownStates {
				v := 0.0
				if p.State == state {
					v = 1
				}
				ch <- prometheus.MustNewConstMetric(c.proxyState, prometheus.GaugeValue, v, p.Address, state)
			}
			established := 0.0
			if p.Established {
				established = 1
			}
			ch <- prometheus.MustNewConstMetric(c.proxyEstablished, prometheus.GaugeValue, established, p.Address)
		}
	}

	requestsTotal.Collect(ch)
	statusCyclesTotal.Collect(ch)
}

// NewRegistry returns a registry holding the collector and the Go runtime
// collectors
func NewRegistry(c *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	registry.MustRegister(collectors.NewGoCollector())
	return registry
}

// Serve exposes registry on addr at path. It blocks like http.ListenAndServe.
func Serve(addr, path string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	log.Info("metrics listening on %s%s", addr, path)
	return http.ListenAndServe(addr, mux)
}
