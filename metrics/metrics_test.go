package metrics

import (
	"context"
	"net"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/eventbus"
)

type fakeBus struct{ stats eventbus.Stats }

func (b fakeBus) Stats() eventbus.Stats { return b.stats }

type fakeModules []modcore.ModuleView

func (m fakeModules) Modules() []modcore.ModuleView { return m }

func view(name string, state modcore.State) modcore.ModuleView {
	return modcore.ModuleView{Descriptor: modcore.Descriptor{Name: name}, State: state}
}

func testSources() (fakeBus, fakeModules) {
	return fakeBus{stats: eventbus.Stats{Published: 10, Dispatched: 9, Delivered: 12, Failed: 2, Pending: 1, Subscriptions: 4}},
		fakeModules{view("network", modcore.StateEnabled), view("sqlite", modcore.StateError), view("game", modcore.StateEnabled)}
}

func TestCollector(t *testing.T) {
	bus, modules := testSources()
	c, err := NewCollector("", bus, modules)
	require.NoError(t, err)

	expected := `
# HELP modcore_events_published_total Events accepted by the bus.
# TYPE modcore_events_published_total counter
modcore_events_published_total 10
# HELP modcore_handler_failures_total Handler invocations that failed, panicked or timed out.
# TYPE modcore_handler_failures_total counter
modcore_handler_failures_total 2
# HELP modcore_events_pending Events queued and not yet dispatched.
# TYPE modcore_events_pending gauge
modcore_events_pending 1
# HELP modcore_modules Configured modules by lifecycle state.
# TYPE modcore_modules gauge
modcore_modules{state="disabled"} 0
modcore_modules{state="enabled"} 2
modcore_modules{state="error"} 1
modcore_modules{state="loaded"} 0
modcore_modules{state="unloaded"} 0
# HELP modcore_module_state Current lifecycle state of each module (always 1).
# TYPE modcore_module_state gauge
modcore_module_state{module="game",state="enabled"} 1
modcore_module_state{module="network",state="enabled"} 1
modcore_module_state{module="sqlite",state="error"} 1
`
	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"modcore_events_published_total", "modcore_handler_failures_total", "modcore_events_pending",
		"modcore_modules", "modcore_module_state")
	assert.NoError(t, err)
	assert.Equal(t, 6+len(modules)+len(States), testutil.CollectAndCount(c))
}

func TestCollectorValidation(t *testing.T) {
	bus, modules := testSources()
	_, err := NewCollector("x", nil, modules)
	assert.ErrorIs(t, err, errNilBus)
	_, err = NewCollector("x", bus, nil)
	assert.ErrorIs(t, err, errNilModules)
}

func TestHandlerServesRegistry(t *testing.T) {
	bus, modules := testSources()
	c, err := NewCollector("game_server", bus, modules)
	require.NoError(t, err)
	reg, err := NewRegistry(c)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "game_server_events_dispatched_total 9")
	assert.Contains(t, body, `game_server_module_state{module="sqlite",state="error"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestStatsdExporter(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	lines := make(chan string, 64)
	go func() {
		buf := make([]byte, 65535)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				close(lines)
				return
			}
			for _, line := range strings.Split(strings.TrimSpace(string(buf[:n])), "\n") {
				lines <- line
			}
		}
	}()

	bus, modules := testSources()
	exporter, err := NewStatsdExporter(bus, modules, "", conn.LocalAddr().String(), time.Hour, []string{"env:test"}, nil)
	require.NoError(t, err)
	require.NoError(t, exporter.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Stop sends a final flush before closing the client.
	require.NoError(t, exporter.Stop(ctx))
	require.NoError(t, exporter.Stop(ctx))

	// Match by prefix: the client may append origin detection fields.
	want := []string{
		"modcore.events.published:10|g|#env:test",
		"modcore.handler.failures:2|g|#env:test",
		"modcore.modules:2|g|#env:test,state:enabled",
		"modcore.modules:1|g|#env:test,state:error",
	}
	deadline := time.After(2 * time.Second)
	for len(want) > 0 {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("listener closed; still missing %v", want)
			}
			want = slices.DeleteFunc(want, func(w string) bool { return strings.HasPrefix(line, w) })
		case <-deadline:
			t.Fatalf("timed out waiting for statsd lines: %v", want)
		}
	}
}

func TestStatsdExporterValidation(t *testing.T) {
	bus, modules := testSources()
	_, err := NewStatsdExporter(bus, modules, "", "127.0.0.1:8125", 0, nil, nil)
	assert.ErrorIs(t, err, errInvalidInterval)
	_, err = NewStatsdExporter(nil, modules, "", "127.0.0.1:8125", time.Second, nil, nil)
	assert.ErrorIs(t, err, errNilBus)
}
