package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/health"
	"github.com/GoCodeAlone/modcore/scheduler"
)

type stubModule struct{ modcore.ModuleBase }

func newCore(t *testing.T) *modcore.Server {
	t.Helper()
	factory := func(modcore.Host) (modcore.Module, error) { return &stubModule{}, nil }
	catalog := modcore.NewCatalog().MustRegister(
		modcore.Registration{Descriptor: modcore.Descriptor{Name: "store", Version: "1.0.0"}, Factory: factory},
		modcore.Registration{Descriptor: modcore.Descriptor{Name: "api", Version: "2.1.0", Dependencies: []string{"store"}}, Factory: factory},
	)
	cfg := config.Default()
	cfg.Server.LifecycleTimeout = config.Duration(time.Second)
	cfg.Modules = []config.ModuleConfig{{Name: "api"}, {Name: "store"}}

	srv, err := modcore.NewServer(cfg, catalog)
	require.NoError(t, err)
	return srv
}

func startCore(t *testing.T, srv *modcore.Server) {
	t.Helper()
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestModuleTable(t *testing.T) {
	core := newCore(t)
	startCore(t, core)
	h := New("127.0.0.1:0", core).Handler()

	rec := do(t, h, http.MethodGet, "/api/modules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	modules := decode[[]modcore.ModuleView](t, rec)
	require.Len(t, modules, 2)
	for _, m := range modules {
		assert.Equal(t, modcore.StateEnabled, m.State, m.Name)
	}

	rec = do(t, h, http.MethodGet, "/api/modules/api", "")
	require.Equal(t, http.StatusOK, rec.Code)
	api := decode[modcore.ModuleView](t, rec)
	assert.Equal(t, "2.1.0", api.Version)
	assert.Equal(t, []string{"store"}, api.Dependencies)

	rec = do(t, h, http.MethodGet, "/api/modules/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "nope")
}

func TestLifecycleActions(t *testing.T) {
	core := newCore(t)
	startCore(t, core)
	h := New("127.0.0.1:0", core).Handler()

	t.Run("refused while a dependent is enabled", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/modules/store/disable", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		result := decode[modcore.ActionResult](t, rec)
		assert.False(t, result.OK)
		assert.Contains(t, result.Reason, "enabled dependents")
		assert.Equal(t, modcore.StateEnabled, result.State)
	})

	t.Run("disable then restart", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/modules/api/disable", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, modcore.ActionResult{OK: true, State: modcore.StateDisabled}, decode[modcore.ActionResult](t, rec))

		rec = do(t, h, http.MethodPost, "/api/modules/api/enable", "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, h, http.MethodPost, "/api/modules/api/restart", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, modcore.StateEnabled, decode[modcore.ActionResult](t, rec).State)
	})

	t.Run("unknown action", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/modules/api/explode", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[modcore.ActionResult](t, rec).Reason, "explode")
	})

	t.Run("unknown module", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/modules/ghost/enable", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/modules/api/enable", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestActionBeforeStart(t *testing.T) {
	core := newCore(t)
	h := New("127.0.0.1:0", core).Handler()

	rec := do(t, h, http.MethodPost, "/api/modules/api/enable", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, modcore.ErrServerNotStarted.Error(), decode[modcore.ActionResult](t, rec).Reason)
}

func TestShutdownRequest(t *testing.T) {
	core := newCore(t)
	startCore(t, core)
	h := New("127.0.0.1:0", core).Handler()

	rec := do(t, h, http.MethodPost, "/api/shutdown", `{"reason":"maintenance"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "maintenance", decode[ShutdownRequest](t, rec).Reason)

	select {
	case reason := <-core.ShutdownRequested():
		assert.Equal(t, "maintenance", reason)
	case <-time.After(time.Second):
		t.Fatal("shutdown was not requested")
	}

	rec = do(t, h, http.MethodPost, "/api/shutdown", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShutdownDefaultReason(t *testing.T) {
	core := newCore(t)
	h := New("127.0.0.1:0", core).Handler()

	rec := do(t, h, http.MethodPost, "/api/shutdown", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, DefaultShutdownReason, <-core.ShutdownRequested())
}

func TestEventHistory(t *testing.T) {
	core := newCore(t)
	startCore(t, core)
	h := New("127.0.0.1:0", core).Handler()

	rec := do(t, h, http.MethodGet, "/api/events?type=module.enabled&source=core&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]map[string]any](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, "1.0", events[0]["specversion"])
	assert.Equal(t, "module.enabled", events[0]["type"])
	assert.Equal(t, "core", events[0]["source"])
	assert.Equal(t, "high", events[0]["priority"])
	data, ok := events[0]["data"].(map[string]any)
	require.True(t, ok)
	// The most recent enable is the dependent.
	assert.Equal(t, "api", data["module"])

	rec = do(t, h, http.MethodGet, "/api/events?type=module.*", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 4)

	for _, bad := range []string{"limit=x", "limit=-1", "since=yesterday"} {
		rec = do(t, h, http.MethodGet, "/api/events?"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestOrderServicesAndStats(t *testing.T) {
	core := newCore(t)
	startCore(t, core)
	h := New("127.0.0.1:0", core).Handler()

	rec := do(t, h, http.MethodGet, "/api/order", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OrderResponse{Load: []string{"store", "api"}, Shutdown: []string{"api", "store"}}, decode[OrderResponse](t, rec))

	rec = do(t, h, http.MethodGet, "/api/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]modcore.ServiceEntry](t, rec))

	rec = do(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.Contains(t, stats, "published")
	assert.Contains(t, stats, "subscriptions")
}

type fixedSchedules []scheduler.Entry

func (f fixedSchedules) Entries() []scheduler.Entry { return f }

func TestOptionalRoutes(t *testing.T) {
	core := newCore(t)

	bare := New("127.0.0.1:0", core).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, bare, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, bare, http.MethodGet, "/api/schedules", "").Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("modcore_events_pending 0\n"))
	})
	full := New("127.0.0.1:0", core,
		WithMetricsHandler(metrics),
		WithSchedules(fixedSchedules{{ID: 1, Event: "server.tick", Spec: "@every 1s"}}),
	).Handler()

	rec := do(t, full, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "modcore_events_pending 0\n", rec.Body.String())

	rec = do(t, full, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]scheduler.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "server.tick", entries[0].Event)
}

func TestHealthRoute(t *testing.T) {
	core := newCore(t)
	startCore(t, core)

	checks := health.NewAggregator(time.Second)
	require.NoError(t, checks.Register(health.ModulesCheck(core)))
	require.NoError(t, checks.Register(health.BusCheck(core.Bus(), 0)))
	h := New("127.0.0.1:0", core, WithHealth(checks)).Handler()

	rec := do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[health.Report](t, rec)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, 2, report.Summary.Total)

	require.True(t, core.Execute(context.Background(), modcore.ActionDisable, "api").OK)
	rec = do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report = decode[health.Report](t, rec)
	assert.Equal(t, health.StatusWarning, report.Status)
	assert.Equal(t, "modules not enabled: api", report.Checks["modules"].Message)

	require.NoError(t, checks.Register(health.NewCheck("disk", func(context.Context) (health.Result, error) {
		return health.Result{Status: health.StatusCritical, Message: "full"}, nil
	})))
	rec = do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, decode[health.Report](t, rec).Ready)
}

func TestServeAsAttachedService(t *testing.T) {
	core := newCore(t)
	api := New("127.0.0.1:0", core, WithReadTimeout(5*time.Second))
	require.NoError(t, core.Attach("admin", api))
	startCore(t, core)

	assert.ErrorIs(t, api.Start(context.Background()), ErrAlreadyStarted)

	resp, err := http.Get("http://" + api.Addr() + "/api/modules/store")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, api.Stop(ctx))
	require.NoError(t, api.Stop(ctx))

	_, err = http.Get("http://" + api.Addr() + "/api/modules")
	assert.Error(t, err)
}

func TestStartValidation(t *testing.T) {
	core := newCore(t)
	assert.ErrorIs(t, New("", core).Start(context.Background()), ErrAddressEmpty)
	assert.Error(t, New("256.0.0.1:1", core).Start(context.Background()))
}
