package modcore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/eventbus"
)

// callLog records lifecycle calls as "module:phase".
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(module string, phase Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, module+":"+string(phase))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// modules returns, in call order, the modules that received phase.
func (l *callLog) modules(phase Phase) []string {
	var out []string
	for _, c := range l.all() {
		if name, p, _ := strings.Cut(c, ":"); Phase(p) == phase {
			out = append(out, name)
		}
	}
	return out
}

// behaviour scripts how a fake module reacts to each phase.
type behaviour struct {
	fail       map[Phase]error
	hang       map[Phase]bool
	panicOn    Phase
	factoryErr error
	onEnable   func(h Host) error
}

func (b *behaviour) failOn(p Phase, err error) *behaviour { b.fail[p] = err; return b }
func (b *behaviour) hangOn(p Phase) *behaviour            { b.hang[p] = true; return b }

type fakeModule struct {
	name    string
	host    Host
	log     *callLog
	b       *behaviour
	release <-chan struct{}
}

func (m *fakeModule) run(ctx context.Context, phase Phase) error {
	m.log.add(m.name, phase)
	if m.b.panicOn == phase {
		panic(fmt.Sprintf("%s exploded during %s", m.name, phase))
	}
	if m.b.hang[phase] {
		// Ignores ctx on purpose to model a stuck module.
		<-m.release
		return nil
	}
	if phase == PhaseEnable && m.b.onEnable != nil {
		if err := m.b.onEnable(m.host); err != nil {
			return err
		}
	}
	return m.b.fail[phase]
}

func (m *fakeModule) Load(ctx context.Context) error    { return m.run(ctx, PhaseLoad) }
func (m *fakeModule) Unload(ctx context.Context) error  { return m.run(ctx, PhaseUnload) }
func (m *fakeModule) Enable(ctx context.Context) error  { return m.run(ctx, PhaseEnable) }
func (m *fakeModule) Disable(ctx context.Context) error { return m.run(ctx, PhaseDisable) }

// fixture builds a catalog, config and controller of fake modules.
type fixture struct {
	t          *testing.T
	log        *callLog
	catalog    *Catalog
	modules    []config.ModuleConfig
	behaviours map[string]*behaviour
	release    chan struct{}
	factories  map[string]int

	mu sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:          t,
		log:        &callLog{},
		catalog:    NewCatalog(),
		behaviours: make(map[string]*behaviour),
		release:    make(chan struct{}),
		factories:  make(map[string]int),
	}
	t.Cleanup(func() { close(f.release) })
	return f
}

// add registers a module with the given dependencies and configures it
// to auto-load and enable.
func (f *fixture) add(name string, deps ...string) *behaviour {
	b := &behaviour{fail: map[Phase]error{}, hang: map[Phase]bool{}}
	f.behaviours[name] = b
	require.NoError(f.t, f.catalog.Register(Registration{
		Descriptor: Descriptor{Name: name, Version: "1.0.0", Dependencies: deps},
		Factory: func(h Host) (Module, error) {
			f.mu.Lock()
			f.factories[name]++
			f.mu.Unlock()
			if b.factoryErr != nil {
				return nil, b.factoryErr
			}
			return &fakeModule{name: name, host: h, log: f.log, b: b, release: f.release}, nil
		},
	}))
	f.modules = append(f.modules, config.ModuleConfig{Name: name})
	return b
}

func moduleConfigs(names ...string) []config.ModuleConfig {
	out := make([]config.ModuleConfig, len(names))
	for i, name := range names {
		out[i] = config.ModuleConfig{Name: name}
	}
	return out
}

func (f *fixture) configure(name string, mutate func(*config.ModuleConfig)) {
	for i := range f.modules {
		if f.modules[i].Name == name {
			mutate(&f.modules[i])
		}
	}
}

func (f *fixture) builds(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.factories[name]
}

// controller resolves the fixture and returns a controller on a running
// bus, plus the load order.
func (f *fixture) controller(opts ...ControllerOption) (*Controller, []string) {
	f.t.Helper()
	specs, err := f.catalog.Specs(f.modules)
	require.NoError(f.t, err)
	order, err := ResolveOrder(Descriptors(specs))
	require.NoError(f.t, err)

	bus := eventbus.New()
	require.NoError(f.t, bus.Start(context.Background()))
	f.t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	opts = append([]ControllerOption{WithLifecycleTimeout(time.Second)}, opts...)
	return NewController(specs, bus, opts...), order
}

// lifecycleEvents drains the bus and returns the history entries matching pattern
// as "type:module".
func lifecycleEvents(t *testing.T, c *Controller, pattern string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.bus.Drain(ctx))

	var out []string
	for _, e := range c.bus.History().Query(eventbus.HistoryFilter{Type: pattern}) {
		if p, ok := e.Payload.(LifecyclePayload); ok {
			out = append(out, e.Type+":"+p.Module)
		}
	}
	return out
}
