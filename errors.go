package modcore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Resolution errors. These abort startup.
	ErrUnknownDependency    = errors.New("unknown dependency")
	ErrCyclicDependency     = errors.New("cyclic dependency")
	ErrShutdownOrderInvalid = errors.New("invalid shutdown order")
	ErrDuplicateModule      = errors.New("module already registered")
	ErrModuleNotRegistered  = errors.New("module not registered in catalog")
	ErrModuleNameEmpty      = errors.New("module name cannot be empty")
	ErrFactoryNil           = errors.New("module factory cannot be nil")

	// Lifecycle errors
	ErrModuleNotFound       = errors.New("module not found")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrDependencyFailed     = errors.New("dependency failed")
	ErrDependencyNotLoaded  = errors.New("dependency not loaded")
	ErrDependencyNotEnabled = errors.New("dependency not enabled")
	ErrDependentsEnabled    = errors.New("module has enabled dependents")
	ErrDependentsLoaded     = errors.New("module has loaded dependents")
	ErrNotInErrorState      = errors.New("module is not in error state")
	ErrLifecycleTimeout     = errors.New("lifecycle call timed out")
	ErrLifecycleCancelled   = errors.New("lifecycle call cancelled")
	ErrLifecyclePanic       = errors.New("lifecycle call panicked")
	ErrFactoryReturnedNil   = errors.New("module factory returned nil module")

	// Server errors
	ErrServerAlreadyStarted = errors.New("server already started")
	ErrServerNotStarted     = errors.New("server not started")
	ErrUnknownAction        = errors.New("unknown lifecycle action")

	// Service table errors
	ErrServiceAlreadyRegistered = errors.New("service already registered")
	ErrServiceNotFound          = errors.New("service not found")
	ErrServiceNil               = errors.New("service is nil")
	ErrTargetNotPointer         = errors.New("target must be a non-nil pointer")
	ErrServiceIncompatible      = errors.New("service cannot be assigned to target")
)

// UnknownDependencyError reports a dependency on a module that has no
// descriptor.
type UnknownDependencyError struct {
	Module     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("%s: module %q depends on %q", ErrUnknownDependency, e.Module, e.Dependency)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// CycleError names the members of a dependency cycle, in dependency
// direction, with the first member repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// TransitionError is returned when a requested transition is not allowed
// from the module's current state. The state is left unchanged.
type TransitionError struct {
	Module string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: module %q cannot go from %s to %s", ErrInvalidTransition, e.Module, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// LifecycleError wraps a failed lifecycle call.
type LifecycleError struct {
	Module string
	Phase  Phase
	Err    error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("module %q %s failed: %v", e.Module, e.Phase, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }
