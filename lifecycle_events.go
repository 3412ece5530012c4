package modcore

import "github.com/GoCodeAlone/modcore/eventbus"

// Lifecycle event types. They are published at High priority with source
// "core", so they keep their relative order and are dispatched ahead of
// ordinary module traffic.
const (
	EventModuleLoaded        = "module.loaded"
	EventModuleLoadFailed    = "module.load_failed"
	EventModuleEnabled       = "module.enabled"
	EventModuleEnableFailed  = "module.enable_failed"
	EventModuleDisabled      = "module.disabled"
	EventModuleDisableFailed = "module.disable_failed"
	EventModuleUnloaded      = "module.unloaded"
	EventModuleUnloadFailed  = "module.unload_failed"
	EventModuleSkipped       = "module.skipped"
	EventModuleReset         = "module.reset"
)

// Server event types.
const (
	EventServerStarting          = "server.starting"
	EventServerStarted           = "server.started"
	EventServerStopping          = "server.stopping"
	EventServerStopped           = "server.stopped"
	EventServerTick              = "server.tick"
	EventServerShutdownRequested = "server.shutdown_requested"
)

// LifecyclePayload is the payload of every module.* event.
type LifecyclePayload struct {
	Module  string  `json:"module"`
	Version string  `json:"version"`
	State   State   `json:"state"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// ServerPayload is the payload of server.* lifecycle events.
type ServerPayload struct {
	Name   string   `json:"name"`
	Order  []string `json:"order,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

const lifecyclePriority = eventbus.PriorityHigh

func (c *Controller) emit(eventType string, payload any) {
	if err := c.bus.Publish(eventbus.NewEvent(eventType, eventbus.SourceCore, payload, lifecyclePriority)); err != nil {
		c.logger.Debug("Failed to publish lifecycle event", "event", eventType, "error", err)
	}
}

func (c *Controller) emitModule(eventType, name string, err error) {
	v, _ := c.registry.Get(name)
	payload := LifecyclePayload{
		Module:  name,
		Version: v.Version,
		State:   v.State,
		Outcome: v.Outcome,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	c.emit(eventType, payload)
}
