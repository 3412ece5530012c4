package modcore

import (
	"fmt"
	"maps"
	"slices"

	"github.com/GoCodeAlone/modcore/config"
)

// Factory builds a module instance. It runs when the module is loaded, so
// a reloaded module gets a fresh instance.
type Factory func(host Host) (Module, error)

// Registration is a catalog entry: a module's descriptor, including its
// default dependencies, and the factory that builds it.
type Registration struct {
	Descriptor
	Factory Factory
}

// Catalog is the explicit name to module table built once at startup.
type Catalog struct {
	entries map[string]Registration
	order   []string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Registration)}
}

// Register adds a module. Names must be unique.
func (c *Catalog) Register(reg Registration) error {
	if reg.Name == "" {
		return ErrModuleNameEmpty
	}
	if reg.Factory == nil {
		return fmt.Errorf("%w: %s", ErrFactoryNil, reg.Name)
	}
	if _, exists := c.entries[reg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, reg.Name)
	}
	reg.Descriptor = reg.Descriptor.clone()
	c.entries[reg.Name] = reg
	c.order = append(c.order, reg.Name)
	return nil
}

// MustRegister is Register that panics on error, for static catalogs.
func (c *Catalog) MustRegister(regs ...Registration) *Catalog {
	for _, reg := range regs {
		if err := c.Register(reg); err != nil {
			panic(err)
		}
	}
	return c
}

// Lookup returns the registration for name.
func (c *Catalog) Lookup(name string) (Registration, bool) {
	reg, ok := c.entries[name]
	return reg, ok
}

// Names returns registered names in registration order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.order)
}

// ModuleSpec is a configured module: its effective descriptor and flags.
type ModuleSpec struct {
	Descriptor Descriptor
	AutoLoad   bool
	Enabled    bool
	Config     map[string]any
	factory    Factory
}

// Specs joins configuration entries with catalog registrations, in
// configuration order. A non-empty configured dependency list replaces the
// catalog default. Every configured module must be registered.
func (c *Catalog) Specs(modules []config.ModuleConfig) ([]ModuleSpec, error) {
	specs := make([]ModuleSpec, 0, len(modules))
	for _, m := range modules {
		reg, ok := c.entries[m.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotRegistered, m.Name)
		}
		desc := reg.Descriptor.clone()
		if len(m.Dependencies) > 0 {
			desc.Dependencies = slices.Clone(m.Dependencies)
		}
		specs = append(specs, ModuleSpec{
			Descriptor: desc,
			AutoLoad:   m.IsAutoLoad(),
			Enabled:    m.IsEnabled(),
			Config:     maps.Clone(m.Config),
			factory:    reg.Factory,
		})
	}
	return specs, nil
}

// Descriptors extracts the descriptors of specs, preserving order.
func Descriptors(specs []ModuleSpec) []Descriptor {
	out := make([]Descriptor, len(specs))
	for i, s := range specs {
		out[i] = s.Descriptor
	}
	return out
}
