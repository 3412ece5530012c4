// Package metrics exports event bus counters and module states to
// Prometheus and to DogStatsD.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/eventbus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "modcore"

var (
	errNilBus          = errors.New("metrics: nil event bus supplied")
	errNilModules      = errors.New("metrics: nil module lister supplied")
	errInvalidInterval = errors.New("metrics: interval must be > 0")
)

// BusStats is implemented by *eventbus.Bus.
type BusStats interface {
	Stats() eventbus.Stats
}

// ModuleLister is implemented by *modcore.Server.
type ModuleLister interface {
	Modules() []modcore.ModuleView
}

// States lists every module state in a stable order.
var States = []modcore.State{
	modcore.StateUnloaded, modcore.StateLoaded, modcore.StateEnabled, modcore.StateDisabled, modcore.StateError,
}

// Collector implements prometheus.Collector over bus and module stats.
// Values are read on scrape and emitted as ConstMetrics:
//
//	modcore_events_published_total
//	modcore_events_dispatched_total
//	modcore_handler_deliveries_total
//	modcore_handler_failures_total
//	modcore_events_pending
//	modcore_subscriptions
//	modcore_modules{state="<state>"}
//	modcore_module_state{module="<name>",state="<state>"}
type Collector struct {
	bus     BusStats
	modules ModuleLister

	publishedDesc  *prometheus.Desc
	dispatchedDesc *prometheus.Desc
	deliveredDesc  *prometheus.Desc
	failedDesc     *prometheus.Desc
	pendingDesc    *prometheus.Desc
	subsDesc       *prometheus.Desc
	modulesDesc    *prometheus.Desc
	stateDesc      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector. namespace defaults to "modcore".
func NewCollector(namespace string, bus BusStats, modules ModuleLister) (*Collector, error) {
	if bus == nil {
		return nil, errNilBus
	}
	if modules == nil {
		return nil, errNilModules
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	name := func(s string) string { return prometheus.BuildFQName(namespace, "", s) }
	return &Collector{
		bus:            bus,
		modules:        modules,
		publishedDesc:  prometheus.NewDesc(name("events_published_total"), "Events accepted by the bus.", nil, nil),
		dispatchedDesc: prometheus.NewDesc(name("events_dispatched_total"), "Events dispatched to handlers.", nil, nil),
		deliveredDesc:  prometheus.NewDesc(name("handler_deliveries_total"), "Successful handler invocations.", nil, nil),
		failedDesc:     prometheus.NewDesc(name("handler_failures_total"), "Handler invocations that failed, panicked or timed out.", nil, nil),
		pendingDesc:    prometheus.NewDesc(name("events_pending"), "Events queued and not yet dispatched.", nil, nil),
		subsDesc:       prometheus.NewDesc(name("subscriptions"), "Active subscriptions.", nil, nil),
		modulesDesc:    prometheus.NewDesc(name("modules"), "Configured modules by lifecycle state.", []string{"state"}, nil),
		stateDesc:      prometheus.NewDesc(name("module_state"), "Current lifecycle state of each module (always 1).", []string{"module", "state"}, nil),
	}, nil
}

// Describe sends metric descriptors.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.publishedDesc
	ch <- c.dispatchedDesc
	ch <- c.deliveredDesc
	ch <- c.failedDesc
	ch <- c.pendingDesc
	ch <- c.subsDesc
	ch <- c.modulesDesc
	ch <- c.stateDesc
}

// Collect gathers current stats and emits ConstMetrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.bus.Stats()
	ch <- prometheus.MustNewConstMetric(c.publishedDesc, prometheus.CounterValue, float64(s.Published))
	ch <- prometheus.MustNewConstMetric(c.dispatchedDesc, prometheus.CounterValue, float64(s.Dispatched))
	ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(s.Delivered))
	ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(c.subsDesc, prometheus.GaugeValue, float64(s.Subscriptions))

	counts := make(map[modcore.State]int, len(States))
	for _, m := range c.modules.Modules() {
		counts[m.State]++
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, 1, m.Name, string(m.State))
	}
	for _, state := range States {
		ch <- prometheus.MustNewConstMetric(c.modulesDesc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}

// NewRegistry returns a registry with the collector plus the Go runtime and
// process collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: registering collector: %w", err)
		}
	}
	return reg, nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
