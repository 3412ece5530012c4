package modcore

import (
	"slices"
	"sync"
	"time"
)

// Outcome is the result of the most recent lifecycle attempt on a module.
type Outcome string

const (
	OutcomeNotAttempted     Outcome = "not_attempted"
	OutcomeLoaded           Outcome = "loaded"
	OutcomeEnabled          Outcome = "enabled"
	OutcomeDisabled         Outcome = "disabled"
	OutcomeUnloaded         Outcome = "unloaded"
	OutcomeFailed           Outcome = "failed"
	OutcomeDependencyFailed Outcome = "dependency_failed"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeCancelled        Outcome = "cancelled"
)

// ModuleView is a read-only snapshot of one module's registry entry.
type ModuleView struct {
	Descriptor
	State     State     `json:"state"`
	Outcome   Outcome   `json:"outcome"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
	// Live is true while a module instance exists.
	Live bool `json:"live"`
}

// RegistryReader is the read-only registry accessor handed to modules and
// external collaborators.
type RegistryReader interface {
	// Get returns the view of a configured module.
	Get(name string) (ModuleView, bool)
	// State returns the module's current state; unknown modules report
	// StateUnloaded.
	State(name string) State
	// List returns every configured module in registration order.
	List() []ModuleView
}

// record is the live entry of a loaded module.
type record struct {
	state    State
	instance Module
	host     *moduleHost
}

// Registry maps module names to their live instance and state. Only the
// Controller mutates it; everything else reads through RegistryReader.
//
// Every configured module has a status row so callers can tell "never
// attempted" from "running" and "failed". A live record exists from the
// first load until the module is fully unloaded or reset.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	known   map[string]Descriptor
	status  map[string]*status
	records map[string]*record
}

type status struct {
	outcome Outcome
	lastErr string
	since   time.Time
}

var _ RegistryReader = (*Registry)(nil)

// NewRegistry creates a registry for the given modules.
func NewRegistry(descriptors []Descriptor) *Registry {
	r := &Registry{
		known:   make(map[string]Descriptor, len(descriptors)),
		status:  make(map[string]*status, len(descriptors)),
		records: make(map[string]*record),
	}
	now := time.Now()
	for _, d := range descriptors {
		r.order = append(r.order, d.Name)
		r.known[d.Name] = d.clone()
		r.status[d.Name] = &status{outcome: OutcomeNotAttempted, since: now}
	}
	return r
}

// Get implements RegistryReader.
func (r *Registry) Get(name string) (ModuleView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view(name)
}

// State implements RegistryReader.
func (r *Registry) State(name string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[name]; ok {
		return rec.state
	}
	return StateUnloaded
}

// List implements RegistryReader.
func (r *Registry) List() []ModuleView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModuleView, 0, len(r.order))
	for _, name := range r.order {
		v, _ := r.view(name)
		out = append(out, v)
	}
	return out
}

// Names returns configured module names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Dependents returns the configured modules that list name as a direct
// dependency, in registration order.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, n := range r.order {
		if slices.Contains(r.known[n].Dependencies, name) {
			out = append(out, n)
		}
	}
	return out
}

func (r *Registry) view(name string) (ModuleView, bool) {
	d, ok := r.known[name]
	if !ok {
		return ModuleView{}, false
	}
	st := r.status[name]
	v := ModuleView{
		Descriptor: d.clone(),
		State:      StateUnloaded,
		Outcome:    st.outcome,
		LastError:  st.lastErr,
		Since:      st.since,
	}
	if rec, ok := r.records[name]; ok {
		v.State = rec.state
		v.Live = true
	}
	return v, true
}

// put creates or replaces the live record.
func (r *Registry) put(name string, rec *record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[name] = rec
}

// setState updates a live record and the status row together.
func (r *Registry) setState(name string, state State, outcome Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[name]; ok {
		rec.state = state
	}
	r.setStatusLocked(name, outcome, err)
}

func (r *Registry) setOutcome(name string, outcome Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStatusLocked(name, outcome, err)
}

func (r *Registry) setStatusLocked(name string, outcome Outcome, err error) {
	st, ok := r.status[name]
	if !ok {
		return
	}
	st.outcome = outcome
	st.since = time.Now()
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
}

// remove drops the live record.
func (r *Registry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
}

// instanceState returns the state and instance atomically.
func (r *Registry) instanceState(name string) (State, Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return StateUnloaded, nil, false
	}
	return rec.state, rec.instance, true
}
