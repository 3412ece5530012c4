package modcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/modcore/eventbus"
)

// DefaultLifecycleTimeout bounds a single lifecycle call when no timeout is
// configured.
const DefaultLifecycleTimeout = 30 * time.Second

// Result is the outcome of one module within a bulk operation.
type Result struct {
	Module  string  `json:"module"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

// Report collects per-module results of a bulk operation, in the order the
// modules were visited.
type Report struct {
	Results []Result
}

// Outcome returns the recorded outcome for name.
func (r Report) Outcome(name string) Outcome {
	for _, res := range r.Results {
		if res.Module == name {
			return res.Outcome
		}
	}
	return OutcomeNotAttempted
}

// Failed returns the results that carry an error.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every per-module error, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Report) add(name string, outcome Outcome, err error) {
	r.Results = append(r.Results, Result{Module: name, Outcome: outcome, Err: err})
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the controller logger.
func WithControllerLogger(logger Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLifecycleTimeout bounds every lifecycle call. Zero means no limit.
func WithLifecycleTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.timeout = d
	}
}

// Controller sequences module transitions and contains failures. It is the
// only writer of the Registry. Operations are serialized: one lifecycle
// operation runs at a time, in the caller's goroutine, and each module call
// is a suspension point bounded by the lifecycle timeout.
type Controller struct {
	registry *Registry
	bus      *eventbus.Bus
	services *serviceTable
	logger   Logger
	timeout  time.Duration
	specs    map[string]ModuleSpec

	opMu sync.Mutex
}

// NewController creates a controller for the given modules. Module
// instances are built by their factories on load.
func NewController(specs []ModuleSpec, bus *eventbus.Bus, opts ...ControllerOption) *Controller {
	c := &Controller{
		registry: NewRegistry(Descriptors(specs)),
		bus:      bus,
		services: newServiceTable(),
		logger:   nopLogger{},
		timeout:  DefaultLifecycleTimeout,
		specs:    make(map[string]ModuleSpec, len(specs)),
	}
	for _, s := range specs {
		c.specs[s.Descriptor.Name] = s
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the read-only registry view.
func (c *Controller) Registry() RegistryReader { return c.registry }

// Status returns the registry view of one module.
func (c *Controller) Status(name string) (ModuleView, bool) {
	return c.registry.Get(name)
}

// Services lists the registered services.
func (c *Controller) Services() []ServiceEntry { return c.services.list() }

// LoadAll loads modules in order. A module whose load fails ends in Error;
// modules depending on it, directly or transitively, are skipped with
// OutcomeDependencyFailed and never attempted. Modules not flagged for
// auto-load are left alone and their dependents skipped. Independent
// modules keep loading. If ctx is cancelled, the in-flight load is
// abandoned (the module ends in Error) and the rest are not attempted.
func (c *Controller) LoadAll(ctx context.Context, order []string) Report {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var report Report
	blocked := make(map[string]bool)
	for _, name := range order {
		spec, ok := c.specs[name]
		if !ok {
			report.add(name, OutcomeFailed, fmt.Errorf("%w: %s", ErrModuleNotFound, name))
			blocked[name] = true
			continue
		}
		if ctx.Err() != nil {
			report.add(name, OutcomeNotAttempted, nil)
			blocked[name] = true
			continue
		}
		if !spec.AutoLoad {
			c.logger.Debug("Module not auto-loaded", "module", name)
			report.add(name, OutcomeNotAttempted, nil)
			blocked[name] = true
			continue
		}
		if dep := firstBlocked(spec.Descriptor.Dependencies, blocked); dep != "" {
			err := fmt.Errorf("%w: %s requires %s", ErrDependencyFailed, name, dep)
			c.skip(name, err)
			report.add(name, OutcomeDependencyFailed, err)
			blocked[name] = true
			continue
		}

		switch state := c.registry.State(name); {
		case state.Active():
			report.add(name, OutcomeLoaded, nil)
			continue
		case state == StateError:
			err := &TransitionError{Module: name, From: state, To: StateLoaded}
			report.add(name, OutcomeFailed, err)
			blocked[name] = true
			continue
		}

		if err := c.load(ctx, spec); err != nil {
			report.add(name, outcomeOf(err), err)
			blocked[name] = true
			continue
		}
		report.add(name, OutcomeLoaded, nil)
	}
	return report
}

// EnableAll enables, in order, the loaded modules flagged as enabled.
// A module whose dependencies are not all Enabled is skipped with
// OutcomeDependencyFailed.
func (c *Controller) EnableAll(ctx context.Context, order []string) Report {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var report Report
	for _, name := range order {
		spec, ok := c.specs[name]
		if !ok {
			report.add(name, OutcomeFailed, fmt.Errorf("%w: %s", ErrModuleNotFound, name))
			continue
		}

		state := c.registry.State(name)
		switch {
		case state == StateEnabled:
			report.add(name, OutcomeEnabled, nil)
			continue
		case state != StateLoaded && state != StateDisabled:
			v, _ := c.registry.Get(name)
			report.add(name, v.Outcome, nil)
			continue
		case !spec.Enabled || ctx.Err() != nil:
			report.add(name, OutcomeNotAttempted, nil)
			continue
		}

		if dep := c.firstNotEnabled(spec.Descriptor.Dependencies); dep != "" {
			err := fmt.Errorf("%w: %s requires %s", ErrDependencyFailed, name, dep)
			c.skip(name, err)
			report.add(name, OutcomeDependencyFailed, err)
			continue
		}

		if err := c.enable(ctx, name); err != nil {
			report.add(name, outcomeOf(err), err)
			continue
		}
		report.add(name, OutcomeEnabled, nil)
	}
	return report
}

// UnloadAll tears modules down in the given (shutdown) order. Enabled
// modules are disabled first, then every live module is unloaded. Failures
// are logged and recorded but never stop the sequence. Dependency checks
// are bypassed: the order already puts dependents first.
//
// Cancelling ctx aborts only the call in flight at that moment; every
// later module still gets a full attempt bounded by the lifecycle timeout,
// so shutdown always terminates.
func (c *Controller) UnloadAll(ctx context.Context, order []string) Report {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var report Report
	for _, name := range order {
		state, _, ok := c.registry.instanceState(name)
		if !ok {
			report.add(name, OutcomeNotAttempted, nil)
			continue
		}
		if err := c.teardown(ctx, name, state); err != nil {
			report.add(name, outcomeOf(err), err)
			continue
		}
		report.add(name, OutcomeUnloaded, nil)
	}
	return report
}

// Load loads a single module. Its dependencies must already be loaded.
func (c *Controller) Load(ctx context.Context, name string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	spec, ok := c.specs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if state := c.registry.State(name); state != StateUnloaded {
		return &TransitionError{Module: name, From: state, To: StateLoaded}
	}
	for _, dep := range spec.Descriptor.Dependencies {
		if !c.registry.State(dep).Active() {
			return fmt.Errorf("%w: %s requires %s (%s)", ErrDependencyNotLoaded, name, dep, c.registry.State(dep))
		}
	}
	return c.load(ctx, spec)
}

// Enable enables a module. Enabling an Enabled module is a no-op success.
// All dependencies must be Enabled.
func (c *Controller) Enable(ctx context.Context, name string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.enable(ctx, name)
}

// Disable disables an Enabled module. Disabling a Disabled module is a
// no-op success. It is refused while an Enabled module depends on it.
func (c *Controller) Disable(ctx context.Context, name string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.disable(ctx, name)
}

// Restart disables then enables a module. If the disable call fails the
// module is left in Error and not retried.
func (c *Controller) Restart(ctx context.Context, name string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkKnown(name); err != nil {
		return err
	}
	switch state := c.registry.State(name); state {
	case StateEnabled:
		if err := c.disable(ctx, name); err != nil {
			return err
		}
	case StateLoaded, StateDisabled:
	default:
		return &TransitionError{Module: name, From: state, To: StateEnabled}
	}
	return c.enable(ctx, name)
}

// Unload unloads a single module, disabling it first when Enabled. It is
// refused while a loaded module depends on it. Unloading a module that is
// not loaded is a no-op success.
func (c *Controller) Unload(ctx context.Context, name string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.unload(ctx, name)
}

// Reload unloads and loads a module again with a fresh instance, and
// re-enables it if it was Enabled.
func (c *Controller) Reload(ctx context.Context, name string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkKnown(name); err != nil {
		return err
	}
	state := c.registry.State(name)
	if !state.Active() {
		return &TransitionError{Module: name, From: state, To: StateLoaded}
	}
	wasEnabled := state == StateEnabled
	if wasEnabled {
		if dependents := c.dependentsIn(name, StateEnabled); len(dependents) > 0 {
			return fmt.Errorf("%w: %s is required by %v", ErrDependentsEnabled, name, dependents)
		}
	}

	if err := c.unload(ctx, name); err != nil {
		return err
	}
	if err := c.load(ctx, c.specs[name]); err != nil {
		return err
	}
	if wasEnabled {
		return c.enable(ctx, name)
	}
	return nil
}

// Reset clears a module out of Error. The instance, if any, gets a
// best-effort unload, its subscriptions and services are dropped and the
// record is removed, leaving the module Unloaded.
func (c *Controller) Reset(ctx context.Context, name string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkKnown(name); err != nil {
		return err
	}
	state, instance, _ := c.registry.instanceState(name)
	if state != StateError {
		return fmt.Errorf("%w: %s is %s", ErrNotInErrorState, name, state)
	}
	if instance != nil {
		if err := c.call(ctx, name, PhaseUnload, instance.Unload, true); err != nil {
			c.logger.Warn("Unload during reset failed", "module", name, "error", err)
		}
	}
	c.release(name)
	c.registry.remove(name)
	c.registry.setOutcome(name, OutcomeNotAttempted, nil)

	c.logger.Info("Module reset", "module", name)
	c.emitModule(EventModuleReset, name, nil)
	return nil
}

func (c *Controller) load(ctx context.Context, spec ModuleSpec) error {
	name := spec.Descriptor.Name
	host := &moduleHost{
		descriptor: spec.Descriptor.clone(),
		logger:     withFields(c.logger, "module", name),
		config:     spec.Config,
		events:     c.bus.Scope(name),
		registry:   c.registry,
		services:   c.services,
	}

	instance, err := build(spec, host)
	if err != nil {
		err = &LifecycleError{Module: name, Phase: PhaseLoad, Err: err}
		c.registry.put(name, &record{state: StateError, host: host})
		return c.fail(name, err, EventModuleLoadFailed)
	}

	c.registry.put(name, &record{state: StateUnloaded, instance: instance, host: host})
	if err := c.call(ctx, name, PhaseLoad, instance.Load, false); err != nil {
		return c.fail(name, err, EventModuleLoadFailed)
	}

	c.registry.setState(name, StateLoaded, OutcomeLoaded, nil)
	c.logger.Info("Module loaded", "module", name, "version", spec.Descriptor.Version)
	c.emitModule(EventModuleLoaded, name, nil)
	return nil
}

func (c *Controller) enable(ctx context.Context, name string) error {
	if err := c.checkKnown(name); err != nil {
		return err
	}
	state, instance, _ := c.registry.instanceState(name)
	if state == StateEnabled {
		return nil
	}
	if !state.CanTransition(StateEnabled) {
		return &TransitionError{Module: name, From: state, To: StateEnabled}
	}
	if dep := c.firstNotEnabled(c.specs[name].Descriptor.Dependencies); dep != "" {
		return fmt.Errorf("%w: %s requires %s (%s)", ErrDependencyNotEnabled, name, dep, c.registry.State(dep))
	}

	if err := c.call(ctx, name, PhaseEnable, instance.Enable, false); err != nil {
		return c.fail(name, err, EventModuleEnableFailed)
	}

	c.registry.setState(name, StateEnabled, OutcomeEnabled, nil)
	c.logger.Info("Module enabled", "module", name)
	c.emitModule(EventModuleEnabled, name, nil)
	return nil
}

func (c *Controller) disable(ctx context.Context, name string) error {
	if err := c.checkKnown(name); err != nil {
		return err
	}
	state, instance, _ := c.registry.instanceState(name)
	if state == StateDisabled {
		return nil
	}
	if !state.CanTransition(StateDisabled) {
		return &TransitionError{Module: name, From: state, To: StateDisabled}
	}
	if dependents := c.dependentsIn(name, StateEnabled); len(dependents) > 0 {
		return fmt.Errorf("%w: %s is required by %v", ErrDependentsEnabled, name, dependents)
	}

	err := c.call(ctx, name, PhaseDisable, instance.Disable, false)
	c.bus.UnsubscribeModule(name)
	if err != nil {
		return c.fail(name, err, EventModuleDisableFailed)
	}

	c.registry.setState(name, StateDisabled, OutcomeDisabled, nil)
	c.logger.Info("Module disabled", "module", name)
	c.emitModule(EventModuleDisabled, name, nil)
	return nil
}

func (c *Controller) unload(ctx context.Context, name string) error {
	if err := c.checkKnown(name); err != nil {
		return err
	}
	state, _, ok := c.registry.instanceState(name)
	if !ok {
		return nil
	}
	if state == StateError {
		return &TransitionError{Module: name, From: state, To: StateUnloaded}
	}
	if dependents := c.dependentsIn(name, StateLoaded, StateEnabled, StateDisabled); len(dependents) > 0 {
		return fmt.Errorf("%w: %s is required by %v", ErrDependentsLoaded, name, dependents)
	}
	if state == StateEnabled {
		if err := c.disable(ctx, name); err != nil {
			return err
		}
	}

	_, instance, _ := c.registry.instanceState(name)
	if err := c.call(ctx, name, PhaseUnload, instance.Unload, false); err != nil {
		c.release(name)
		return c.fail(name, err, EventModuleUnloadFailed)
	}
	c.finishUnload(name)
	return nil
}

// teardown is the best-effort unload used during shutdown.
func (c *Controller) teardown(ctx context.Context, name string, state State) error {
	_, instance, _ := c.registry.instanceState(name)
	if instance == nil {
		// The factory failed; there is nothing to unload.
		c.release(name)
		c.registry.remove(name)
		return nil
	}

	var disableErr error
	if state == StateEnabled {
		disableErr = c.call(ctx, name, PhaseDisable, instance.Disable, true)
		if disableErr != nil {
			c.logger.Error("Disable failed during shutdown", "module", name, "error", disableErr)
			c.registry.setState(name, StateError, outcomeOf(disableErr), disableErr)
			c.emitModule(EventModuleDisableFailed, name, disableErr)
		} else {
			c.registry.setState(name, StateDisabled, OutcomeDisabled, nil)
			c.emitModule(EventModuleDisabled, name, nil)
		}
	}
	c.bus.UnsubscribeModule(name)

	if err := c.call(ctx, name, PhaseUnload, instance.Unload, true); err != nil {
		c.release(name)
		return c.fail(name, err, EventModuleUnloadFailed)
	}
	c.finishUnload(name)
	return disableErr
}

func (c *Controller) finishUnload(name string) {
	c.release(name)
	c.registry.remove(name)
	c.registry.setOutcome(name, OutcomeUnloaded, nil)
	c.logger.Info("Module unloaded", "module", name)
	c.emitModule(EventModuleUnloaded, name, nil)
}

// fail moves a module to Error, drops what it registered and reports it.
func (c *Controller) fail(name string, err error, eventType string) error {
	c.bus.UnsubscribeModule(name)
	c.registry.setState(name, StateError, outcomeOf(err), err)
	c.logger.Error("Module lifecycle call failed", "module", name, "event", eventType, "error", err)
	c.emitModule(eventType, name, err)
	return err
}

func (c *Controller) skip(name string, err error) {
	c.registry.setOutcome(name, OutcomeDependencyFailed, err)
	c.logger.Warn("Module skipped", "module", name, "reason", err)
	c.emitModule(EventModuleSkipped, name, err)
}

// release revokes a module's subscriptions and services.
func (c *Controller) release(name string) {
	c.bus.UnsubscribeModule(name)
	if n := c.services.dropOwner(name); n > 0 {
		c.logger.Debug("Withdrew module services", "module", name, "count", n)
	}
}

// call runs one lifecycle method under the lifecycle timeout. A panic is
// converted to an error. A call that does not return in time is abandoned;
// its goroutine finishes in the background.
//
// For teardown calls the per-call context is detached from ctx, so a
// cancelled shutdown context only aborts a call already running when the
// cancellation arrives.
func (c *Controller) call(ctx context.Context, name string, phase Phase, fn func(context.Context) error, teardown bool) error {
	base := ctx
	var abort <-chan struct{}
	if teardown {
		base = context.WithoutCancel(ctx)
		if ctx.Err() == nil {
			abort = ctx.Done()
		}
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if c.timeout > 0 {
		callCtx, cancel = context.WithTimeout(base, c.timeout)
	} else {
		callCtx, cancel = context.WithCancel(base)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrLifecyclePanic, r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &LifecycleError{Module: name, Phase: phase, Err: err}
		}
		return nil
	case <-callCtx.Done():
		if !teardown && ctx.Err() != nil {
			return &LifecycleError{Module: name, Phase: phase, Err: fmt.Errorf("%w: %w", ErrLifecycleCancelled, ctx.Err())}
		}
		return &LifecycleError{Module: name, Phase: phase, Err: fmt.Errorf("%w after %s", ErrLifecycleTimeout, c.timeout)}
	case <-abort:
		return &LifecycleError{Module: name, Phase: phase, Err: fmt.Errorf("%w: %w", ErrLifecycleCancelled, ctx.Err())}
	}
}

func build(spec ModuleSpec, host Host) (m Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: factory: %v", ErrLifecyclePanic, r)
		}
	}()
	m, err = spec.factory(host)
	if err == nil && m == nil {
		err = ErrFactoryReturnedNil
	}
	return m, err
}

func (c *Controller) checkKnown(name string) error {
	if _, ok := c.specs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return nil
}

func (c *Controller) firstNotEnabled(deps []string) string {
	for _, dep := range deps {
		if c.registry.State(dep) != StateEnabled {
			return dep
		}
	}
	return ""
}

// dependentsIn returns the direct dependents of name currently in one of
// the given states.
func (c *Controller) dependentsIn(name string, states ...State) []string {
	var out []string
	for _, dependent := range c.registry.Dependents(name) {
		s := c.registry.State(dependent)
		for _, want := range states {
			if s == want {
				out = append(out, dependent)
				break
			}
		}
	}
	return out
}

func firstBlocked(deps []string, blocked map[string]bool) string {
	for _, dep := range deps {
		if blocked[dep] {
			return dep
		}
	}
	return ""
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeNotAttempted
	case errors.Is(err, ErrLifecycleTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrLifecycleCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrDependencyFailed):
		return OutcomeDependencyFailed
	default:
		return OutcomeFailed
	}
}
