package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	statsd "github.com/DataDog/datadog-go/v5/statsd"

	"github.com/GoCodeAlone/modcore"
)

// StatsdExporter periodically flushes bus counters and module state counts
// as gauges to DogStatsD. It is pull-based: each interval it reads the
// current cumulative values and submits them.
//
//	modcore.events.published
//	modcore.events.dispatched
//	modcore.handler.deliveries
//	modcore.handler.failures
//	modcore.events.pending
//	modcore.subscriptions
//	modcore.modules (tags: state:<state>)
type StatsdExporter struct {
	bus      BusStats
	modules  ModuleLister
	client   *statsd.Client
	interval time.Duration
	baseTags []string
	logger   modcore.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ modcore.Service = (*StatsdExporter)(nil)

// NewStatsdExporter creates an exporter. addr example: "127.0.0.1:8125".
// prefix defaults to "modcore".
func NewStatsdExporter(bus BusStats, modules ModuleLister, prefix, addr string, interval time.Duration, baseTags []string, logger modcore.Logger) (*StatsdExporter, error) {
	if bus == nil {
		return nil, errNilBus
	}
	if modules == nil {
		return nil, errNilModules
	}
	if interval <= 0 {
		return nil, errInvalidInterval
	}
	if prefix == "" {
		prefix = DefaultNamespace
	}
	client, err := statsd.New(addr,
		statsd.WithNamespace(prefix+"."),
		statsd.WithoutClientSideAggregation(),
		statsd.WithoutTelemetry())
	if err != nil {
		return nil, fmt.Errorf("metrics: creating statsd client: %w", err)
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &StatsdExporter{
		bus:      bus,
		modules:  modules,
		client:   client,
		interval: interval,
		baseTags: baseTags,
		logger:   logger,
	}, nil
}

// Start launches the flush loop. The loop outlives ctx and runs until Stop.
func (e *StatsdExporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(loopCtx, e.done)
	e.logger.Info("Statsd exporter started", "interval", e.interval)
	return nil
}

// Stop ends the flush loop, sends a final flush and closes the client.
func (e *StatsdExporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("metrics: stopping statsd exporter: %w", ctx.Err())
	}
	e.flush()
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("metrics: closing statsd client: %w", err)
	}
	return nil
}

func (e *StatsdExporter) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *StatsdExporter) flush() {
	s := e.bus.Stats()
	gauges := []struct {
		name  string
		value float64
	}{
		{"events.published", float64(s.Published)},
		{"events.dispatched", float64(s.Dispatched)},
		{"handler.deliveries", float64(s.Delivered)},
		{"handler.failures", float64(s.Failed)},
		{"events.pending", float64(s.Pending)},
		{"subscriptions", float64(s.Subscriptions)},
	}
	for _, g := range gauges {
		if err := e.client.Gauge(g.name, g.value, e.baseTags, 1); err != nil {
			e.logger.Debug("Failed to send gauge", "metric", g.name, "error", err)
		}
	}

	counts := make(map[modcore.State]int, len(States))
	for _, m := range e.modules.Modules() {
		counts[m.State]++
	}
	for _, state := range States {
		tags := append(append([]string(nil), e.baseTags...), "state:"+string(state))
		if err := e.client.Gauge("modules", float64(counts[state]), tags, 1); err != nil {
			e.logger.Debug("Failed to send gauge", "metric", "modules", "error", err)
		}
	}
	if err := e.client.Flush(); err != nil {
		e.logger.Debug("Failed to flush statsd client", "error", err)
	}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
