package modcore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/eventbus"
)

const serverOwner = "server"

// Service is an auxiliary component run alongside the modules, such as the
// admin API, the scheduler or the config watcher. Services start after the
// modules are enabled and stop before they are torn down.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type providedService struct {
	name    string
	service any
}

type attachedService struct {
	name    string
	service Service
}

// Action is a lifecycle action requested through Execute.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionRestart Action = "restart"
	ActionLoad    Action = "load"
	ActionUnload  Action = "unload"
	ActionReload  Action = "reload"
	ActionReset   Action = "reset"
)

// Actions lists every supported action.
var Actions = []Action{ActionEnable, ActionDisable, ActionRestart, ActionLoad, ActionUnload, ActionReload, ActionReset}

// ActionResult is the result of Execute: success, or a human readable
// failure reason, plus the module's resulting state.
type ActionResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	State  State  `json:"state,omitempty"`
}

// Server owns the orchestration core for one process: the resolved
// orders, the event bus, the controller with its registry, and any
// attached services.
type Server struct {
	cfg     *config.ServerConfig
	logger  Logger
	signals []os.Signal
	busOpts []eventbus.Option

	provided []providedService
	attached []attachedService

	specs         []ModuleSpec
	loadOrder     []string
	shutdownOrder []string
	bus           *eventbus.Bus
	controller    *Controller

	mu            sync.Mutex
	started       bool
	stopped       bool
	startupReport Report
	loadReport    Report
	shutdown      chan string
	shutdownOnce  sync.Once
}

// NewServer resolves the configured modules against the catalog and builds
// the core. Resolution problems (unregistered modules, unknown
// dependencies, cycles, an invalid shutdown order) fail here, before any
// module is instantiated.
func NewServer(cfg *config.ServerConfig, catalog *Catalog, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   nopLogger{},
		signals:  []os.Signal{os.Interrupt, syscall.SIGTERM},
		shutdown: make(chan string, 1),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply server option: %w", err)
		}
	}

	specs, err := catalog.Specs(cfg.Modules)
	if err != nil {
		return nil, err
	}
	descriptors := Descriptors(specs)
	loadOrder, err := ResolveOrder(descriptors)
	if err != nil {
		return nil, fmt.Errorf("resolving load order: %w", err)
	}
	shutdownOrder, err := ShutdownOrder(descriptors, loadOrder, cfg.ShutdownOrder)
	if err != nil {
		return nil, fmt.Errorf("resolving shutdown order: %w", err)
	}
	s.specs, s.loadOrder, s.shutdownOrder = specs, loadOrder, shutdownOrder
	s.logger.Debug("Resolved module order", "load", loadOrder, "shutdown", shutdownOrder)

	busOpts := append([]eventbus.Option{
		eventbus.WithLogger(withFields(s.logger, "component", "eventbus")),
		eventbus.WithHistorySize(cfg.Events.HistorySize),
		eventbus.WithHandlerTimeout(cfg.Events.HandlerTimeout.Std()),
	}, s.busOpts...)
	s.bus = eventbus.New(busOpts...)

	s.controller = NewController(specs, s.bus,
		WithControllerLogger(s.logger),
		WithLifecycleTimeout(cfg.Server.LifecycleTimeout.Std()))

	for _, p := range s.provided {
		if err := s.controller.services.register(serverOwner, p.name, p.service); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Attach adds an auxiliary service. It must be called before Start.
func (s *Server) Attach(name string, svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrServerAlreadyStarted
	}
	s.attached = append(s.attached, attachedService{name: name, service: svc})
	return nil
}

// Start starts the bus, loads and enables modules in load order and then
// starts the attached services. Individual module failures do not fail
// Start; they are reflected in the registry and in StartupReport. An
// attached service that fails to start does fail it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.bus.Start(ctx); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	s.controller.emit(EventServerStarting, ServerPayload{Name: s.cfg.Server.Name, Order: s.loadOrder})
	s.logger.Info("Starting server", "name", s.cfg.Server.Name, "modules", len(s.loadOrder))

	load := s.controller.LoadAll(ctx, s.loadOrder)
	enable := s.controller.EnableAll(ctx, s.loadOrder)
	s.mu.Lock()
	s.loadReport, s.startupReport = load, enable
	s.mu.Unlock()
	for _, res := range append(load.Failed(), enable.Failed()...) {
		s.logger.Warn("Module did not start", "module", res.Module, "outcome", res.Outcome, "error", res.Err)
	}

	for _, a := range s.attached {
		if err := a.service.Start(ctx); err != nil {
			return fmt.Errorf("starting %s: %w", a.name, err)
		}
		s.logger.Debug("Started service", "service", a.name)
	}

	s.controller.emit(EventServerStarted, ServerPayload{Name: s.cfg.Server.Name, Order: s.loadOrder})
	s.logger.Info("Server started", "name", s.cfg.Server.Name)
	return nil
}

// Stop stops attached services in reverse order, tears every module down
// in shutdown order and finally drains and stops the bus. Teardown
// failures are logged and returned joined; they never stop the sequence.
// Calling Stop more than once is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.controller.emit(EventServerStopping, ServerPayload{Name: s.cfg.Server.Name, Order: s.shutdownOrder})
	s.logger.Info("Stopping server", "name", s.cfg.Server.Name)

	var errs []error
	for _, a := range slices.Backward(s.attached) {
		if err := a.service.Stop(ctx); err != nil {
			s.logger.Error("Failed to stop service", "service", a.name, "error", err)
			errs = append(errs, fmt.Errorf("stopping %s: %w", a.name, err))
		}
	}

	report := s.controller.UnloadAll(ctx, s.shutdownOrder)
	for _, res := range report.Failed() {
		s.logger.Error("Module teardown failed", "module", res.Module, "outcome", res.Outcome, "error", res.Err)
		errs = append(errs, res.Err)
	}

	s.controller.emit(EventServerStopped, ServerPayload{Name: s.cfg.Server.Name})

	busCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := s.bus.Stop(busCtx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("Server stopped", "name", s.cfg.Server.Name)
	return errors.Join(errs...)
}

// Run starts the server and blocks until a shutdown signal, a call to
// RequestShutdown or cancellation of ctx, then stops it within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, s.signals...)
	defer stopSignals()

	if err := s.Start(ctx); err != nil {
		s.logger.Error("Server failed to start", "error", err)
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return errors.Join(err, s.Stop(stopCtx))
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Received shutdown signal", "cause", context.Cause(ctx))
	case reason := <-s.shutdown:
		s.logger.Info("Shutdown requested", "reason", reason)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return s.Stop(stopCtx)
}

// RequestShutdown asks Run to shut the server down. Only the first request
// counts.
func (s *Server) RequestShutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.controller.emit(EventServerShutdownRequested, ServerPayload{Name: s.cfg.Server.Name, Reason: reason})
		s.shutdown <- reason
	})
}

// ShutdownRequested yields the reason of the first RequestShutdown, for
// callers that drive Start and Stop themselves instead of Run.
func (s *Server) ShutdownRequested() <-chan string { return s.shutdown }

// Execute performs a lifecycle action on a named module and reports the
// result as a boolean plus reason.
func (s *Server) Execute(ctx context.Context, action Action, name string) ActionResult {
	s.mu.Lock()
	running := s.started && !s.stopped
	s.mu.Unlock()

	err := ErrServerNotStarted
	if running {
		err = s.execute(ctx, action, name)
	}

	result := ActionResult{OK: err == nil, State: s.controller.registry.State(name)}
	if err != nil {
		result.Reason = err.Error()
		s.logger.Warn("Lifecycle action failed", "action", action, "module", name, "error", err)
	} else {
		s.logger.Info("Lifecycle action completed", "action", action, "module", name, "state", result.State)
	}
	return result
}

func (s *Server) execute(ctx context.Context, action Action, name string) error {
	var err error
	switch action {
	case ActionEnable:
		err = s.controller.Enable(ctx, name)
	case ActionDisable:
		err = s.controller.Disable(ctx, name)
	case ActionRestart:
		err = s.controller.Restart(ctx, name)
	case ActionLoad:
		err = s.controller.Load(ctx, name)
	case ActionUnload:
		err = s.controller.Unload(ctx, name)
	case ActionReload:
		err = s.controller.Reload(ctx, name)
	case ActionReset:
		err = s.controller.Reset(ctx, name)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return err
}

// Modules returns the module table in registration order.
func (s *Server) Modules() []ModuleView { return s.controller.registry.List() }

// Module returns one module's view.
func (s *Server) Module(name string) (ModuleView, bool) { return s.controller.Status(name) }

// Services lists the registered services.
func (s *Server) Services() []ServiceEntry { return s.controller.Services() }

// GetService assigns a registered service to target, the way modules do
// through Host.GetService.
func (s *Server) GetService(name string, target any) error {
	return s.controller.services.get(name, target)
}

// LoadOrder returns the resolved load order.
func (s *Server) LoadOrder() []string { return slices.Clone(s.loadOrder) }

// ShutdownOrder returns the validated shutdown order.
func (s *Server) ShutdownOrder() []string { return slices.Clone(s.shutdownOrder) }

// Bus returns the event bus.
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// Controller returns the lifecycle controller.
func (s *Server) Controller() *Controller { return s.controller }

// Config returns the startup configuration snapshot.
func (s *Server) Config() *config.ServerConfig { return s.cfg }

// Logger returns the server logger.
func (s *Server) Logger() Logger { return s.logger }

// StartupReport returns the load and enable reports from Start.
func (s *Server) StartupReport() (load, enable Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadReport, s.startupReport
}
