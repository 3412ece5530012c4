package modcore

import (
	"fmt"
	"maps"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/modcore/eventbus"
)

// Host is the capability-restricted handle a module receives from the
// core. It exposes the module's own configuration, a module-scoped view of
// the event bus, a read-only view of the registry and the shared service
// table. Modules never receive the registry or controller themselves.
type Host interface {
	// Name returns the module name.
	Name() string

	// Descriptor returns the module's effective descriptor.
	Descriptor() Descriptor

	// Logger returns a logger that tags entries with the module name.
	Logger() Logger

	// Config returns a copy of the module's raw configuration map.
	Config() map[string]any

	// DecodeConfig decodes the module configuration into target using
	// its yaml tags. Keys absent from the configuration leave target's
	// existing values, so callers can pre-populate defaults.
	DecodeConfig(target any) error

	// Events returns the bus scoped to this module.
	Events() *eventbus.Scope

	// Modules returns the read-only registry view.
	Modules() RegistryReader

	// RegisterService publishes a named service for other modules. It is
	// withdrawn automatically when this module is unloaded or reset.
	RegisterService(name string, service any) error

	// GetService assigns a named service to the pointer target.
	GetService(name string, target any) error
}

type moduleHost struct {
	descriptor Descriptor
	logger     Logger
	config     map[string]any
	events     *eventbus.Scope
	registry   *Registry
	services   *serviceTable
}

var _ Host = (*moduleHost)(nil)

func (h *moduleHost) Name() string            { return h.descriptor.Name }
func (h *moduleHost) Descriptor() Descriptor  { return h.descriptor.clone() }
func (h *moduleHost) Logger() Logger          { return h.logger }
func (h *moduleHost) Config() map[string]any  { return maps.Clone(h.config) }
func (h *moduleHost) Events() *eventbus.Scope { return h.events }
func (h *moduleHost) Modules() RegistryReader { return h.registry }

func (h *moduleHost) DecodeConfig(target any) error {
	if len(h.config) == 0 {
		return nil
	}
	// Remarshal so nested maps decode with the usual yaml conversions.
	raw, err := yaml.Marshal(h.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config for module %s: %w", h.Name(), err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode config for module %s: %w", h.Name(), err)
	}
	return nil
}

func (h *moduleHost) RegisterService(name string, service any) error {
	return h.services.register(h.Name(), name, service)
}

func (h *moduleHost) GetService(name string, target any) error {
	return h.services.get(name, target)
}
