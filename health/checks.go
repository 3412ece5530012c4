package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/eventbus"
)

// DefaultMaxPending is the queue depth above which the bus check warns.
const DefaultMaxPending = 1000

type funcChecker struct {
	name string
	fn   func(context.Context) (Result, error)
}

func (f funcChecker) Name() string                              { return f.name }
func (f funcChecker) Check(ctx context.Context) (Result, error) { return f.fn(ctx) }

// NewCheck wraps a function as a Checker.
func NewCheck(name string, fn func(context.Context) (Result, error)) Checker {
	return funcChecker{name: name, fn: fn}
}

// ModuleLister is implemented by *modcore.Server.
type ModuleLister interface {
	Modules() []modcore.ModuleView
}

// ModulesCheck reports critical when a module is in the error state and a
// warning when a module is loaded but not enabled.
func ModulesCheck(modules ModuleLister) Checker {
	return NewCheck("modules", func(context.Context) (Result, error) {
		var failed, idle []string
		states := make(map[string]any)
		for _, m := range modules.Modules() {
			states[m.Name] = string(m.State)
			switch m.State {
			case modcore.StateError:
				failed = append(failed, m.Name)
			case modcore.StateLoaded, modcore.StateDisabled:
				idle = append(idle, m.Name)
			}
		}
		r := Result{Status: StatusHealthy, Details: states}
		switch {
		case len(failed) > 0:
			r.Status = StatusCritical
			r.Message = "modules failed: " + strings.Join(failed, ", ")
		case len(idle) > 0:
			r.Status = StatusWarning
			r.Message = "modules not enabled: " + strings.Join(idle, ", ")
		}
		return r, nil
	})
}

// BusStats is implemented by *eventbus.Bus.
type BusStats interface {
	Stats() eventbus.Stats
}

// BusCheck warns when more than maxPending events wait for dispatch.
func BusCheck(bus BusStats, maxPending int) Checker {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return NewCheck("eventbus", func(context.Context) (Result, error) {
		s := bus.Stats()
		r := Result{
			Status: StatusHealthy,
			Details: map[string]any{
				"pending":       s.Pending,
				"failed":        s.Failed,
				"subscriptions": s.Subscriptions,
			},
		}
		if s.Pending > maxPending {
			r.Status = StatusWarning
			r.Message = fmt.Sprintf("%d events pending", s.Pending)
		}
		return r, nil
	})
}
