package modcore

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// ServiceEntry describes a registered service.
type ServiceEntry struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Type  string `json:"type"`
}

// serviceTable is the shared name to service table. Entries are owned by
// the module that registered them, or by the server for services supplied
// at construction.
type serviceTable struct {
	mu      sync.RWMutex
	entries map[string]serviceValue
}

type serviceValue struct {
	owner   string
	service any
}

func newServiceTable() *serviceTable {
	return &serviceTable{entries: make(map[string]serviceValue)}
}

func (t *serviceTable) register(owner, name string, service any) error {
	if service == nil {
		return fmt.Errorf("%w: %s", ErrServiceNil, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[name]; ok {
		return fmt.Errorf("%w: %s (owned by %s)", ErrServiceAlreadyRegistered, name, existing.owner)
	}
	t.entries[name] = serviceValue{owner: owner, service: service}
	return nil
}

// get assigns the service to target. Interface targets take any
// implementation, struct targets take it into their first compatible
// interface field, and pointer services may be dereferenced into a value
// target.
func (t *serviceTable) get(name string, target any) error {
	t.mu.RLock()
	entry, ok := t.entries[name]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Pointer || targetValue.IsNil() {
		return ErrTargetNotPointer
	}

	service := entry.service
	serviceType := reflect.TypeOf(service)
	targetType := targetValue.Elem().Type()

	if targetType.Kind() == reflect.Interface && serviceType.Implements(targetType) {
		targetValue.Elem().Set(reflect.ValueOf(service))
		return nil
	}

	if targetType.Kind() == reflect.Struct {
		for i := 0; i < targetType.NumField(); i++ {
			field := targetType.Field(i)
			if field.Type.Kind() == reflect.Interface && serviceType.Implements(field.Type) {
				if fv := targetValue.Elem().Field(i); fv.CanSet() {
					fv.Set(reflect.ValueOf(service))
					return nil
				}
			}
		}
	}

	if serviceType.AssignableTo(targetType) {
		targetValue.Elem().Set(reflect.ValueOf(service))
		return nil
	}
	if serviceType.Kind() == reflect.Pointer && serviceType.Elem().AssignableTo(targetType) {
		targetValue.Elem().Set(reflect.ValueOf(service).Elem())
		return nil
	}

	return fmt.Errorf("%w: service '%s' of type %s cannot be assigned to %s",
		ErrServiceIncompatible, name, serviceType, targetType)
}

// dropOwner withdraws every service registered by owner.
func (t *serviceTable) dropOwner(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for name, entry := range t.entries {
		if entry.owner == owner {
			delete(t.entries, name)
			n++
		}
	}
	return n
}

func (t *serviceTable) list() []ServiceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ServiceEntry, 0, len(t.entries))
	for name, entry := range t.entries {
		out = append(out, ServiceEntry{Name: name, Owner: entry.owner, Type: fmt.Sprintf("%T", entry.service)})
	}
	slices.SortFunc(out, func(a, b ServiceEntry) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}
