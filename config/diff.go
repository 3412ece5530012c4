package config

import (
	"reflect"
	"slices"
	"time"
)

// Diff summarizes how the module list changed between two snapshots.
type Diff struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
	// OrderChanged is true when modules present in both snapshots were
	// reordered.
	OrderChanged bool `json:"orderChanged"`
	// SettingsChanged is true when anything outside the module list changed.
	SettingsChanged bool      `json:"settingsChanged"`
	Timestamp       time.Time `json:"timestamp"`
}

// Empty reports whether the snapshots are equivalent.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 &&
		!d.OrderChanged && !d.SettingsChanged
}

// Compare diffs two snapshots. Module entries are matched by name.
func Compare(old, updated *ServerConfig) Diff {
	d := Diff{Timestamp: time.Now()}

	before := make(map[string]ModuleConfig, len(old.Modules))
	for _, m := range old.Modules {
		before[m.Name] = m
	}
	after := make(map[string]bool, len(updated.Modules))
	for _, m := range updated.Modules {
		after[m.Name] = true
		prev, ok := before[m.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, m.Name)
		case !reflect.DeepEqual(prev, m):
			d.Modified = append(d.Modified, m.Name)
		}
	}
	for _, m := range old.Modules {
		if !after[m.Name] {
			d.Removed = append(d.Removed, m.Name)
		}
	}

	oldRest, newRest := *old, *updated
	oldRest.Modules, newRest.Modules = nil, nil
	d.SettingsChanged = !reflect.DeepEqual(oldRest, newRest)
	d.OrderChanged = !slices.Equal(common(old.Modules, after), common(updated.Modules, before))
	return d
}

// common returns the names of modules that also appear in other, in order.
func common[V any](modules []ModuleConfig, other map[string]V) []string {
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		if _, ok := other[m.Name]; ok {
			names = append(names, m.Name)
		}
	}
	return names
}
