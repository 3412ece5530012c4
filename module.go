// Package modcore is the module orchestration core of a plugin-style
// server. It resolves a dependency-respecting load order among modules,
// drives every module through an explicit lifecycle state machine while
// containing partial failures, and wires modules together over a priority
// event bus so they never hold references to each other.
//
// Basic usage:
//
//	catalog := modcore.NewCatalog()
//	catalog.MustRegister(modcore.Registration{
//		Descriptor: modcore.Descriptor{Name: "network", Version: "1.0.0"},
//		Factory:    network.New,
//	})
//	srv, err := modcore.NewServer(cfg, catalog, modcore.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
package modcore

import (
	"context"
	"slices"
)

// Module is the lifecycle capability set every module implements. The
// core calls these four methods and nothing else on a module.
//
// Each call receives a context carrying the per-call lifecycle timeout.
// Implementations should return promptly once ctx is done; a call that
// outlives its deadline is treated as failed and the module moves to Error.
//
// Load acquires resources (open files, listeners, database handles) and
// may register services on its Host. Enable starts serving: subscribing to
// events, accepting connections. Disable stops serving without releasing
// resources, and Unload releases them. Subscriptions a module made are
// revoked by the core when it is disabled or unloaded, so modules
// subscribe in Enable.
type Module interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Descriptor is the static identity of a module. It is immutable once the
// module is registered.
type Descriptor struct {
	// Name uniquely identifies the module, e.g. "network", "auth".
	Name string `json:"name" yaml:"name"`

	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`

	// Dependencies names the modules that must be loaded and enabled
	// before this one.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

func (d Descriptor) clone() Descriptor {
	d.Dependencies = slices.Clone(d.Dependencies)
	return d
}

// Phase names a lifecycle call.
type Phase string

const (
	PhaseLoad    Phase = "load"
	PhaseEnable  Phase = "enable"
	PhaseDisable Phase = "disable"
	PhaseUnload  Phase = "unload"
)

// ModuleBase provides no-op lifecycle methods. Modules embed it and
// override only the phases they care about.
type ModuleBase struct{}

func (ModuleBase) Load(context.Context) error    { return nil }
func (ModuleBase) Unload(context.Context) error  { return nil }
func (ModuleBase) Enable(context.Context) error  { return nil }
func (ModuleBase) Disable(context.Context) error { return nil }
