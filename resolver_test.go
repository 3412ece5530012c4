package modcore

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func desc(name string, deps ...string) Descriptor {
	return Descriptor{Name: name, Version: "1.0.0", Dependencies: deps}
}

func exampleDescriptors() []Descriptor {
	return []Descriptor{
		desc("network"),
		desc("sqlite"),
		desc("auth", "sqlite"),
		desc("game", "network", "auth"),
	}
}

// assertValidOrder checks every module appears once and after all of its
// dependencies.
func assertValidOrder(t *testing.T, descriptors []Descriptor, order []string) {
	t.Helper()
	require.Len(t, order, len(descriptors))
	position := make(map[string]int, len(order))
	for i, name := range order {
		_, dup := position[name]
		require.False(t, dup, "module %s appears twice", name)
		position[name] = i
	}
	for _, d := range descriptors {
		for _, dep := range d.Dependencies {
			assert.Less(t, position[dep], position[d.Name], "%s must load after %s", d.Name, dep)
		}
	}
}

func TestResolveOrder(t *testing.T) {
	t.Run("dependencies load first", func(t *testing.T) {
		order, err := ResolveOrder(exampleDescriptors())
		require.NoError(t, err)
		assert.Equal(t, []string{"network", "sqlite", "auth", "game"}, order)
	})

	t.Run("independent modules keep registration order", func(t *testing.T) {
		order, err := ResolveOrder([]Descriptor{desc("c"), desc("a"), desc("b")})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a", "b"}, order)
	})

	t.Run("registration order breaks ties", func(t *testing.T) {
		descriptors := []Descriptor{
			desc("game", "network", "auth"),
			desc("auth", "sqlite"),
			desc("sqlite"),
			desc("network"),
		}
		order, err := ResolveOrder(descriptors)
		require.NoError(t, err)
		assert.Equal(t, []string{"sqlite", "auth", "network", "game"}, order)
	})

	t.Run("empty input", func(t *testing.T) {
		order, err := ResolveOrder(nil)
		require.NoError(t, err)
		assert.Empty(t, order)
	})

	t.Run("duplicate dependency entries are tolerated", func(t *testing.T) {
		order, err := ResolveOrder([]Descriptor{desc("b", "a", "a"), desc("a")})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, order)
	})
}

func TestResolveOrderRandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 42))
	for round := range 50 {
		n := 2 + rng.IntN(20)
		descriptors := make([]Descriptor, n)
		for i := range n {
			var deps []string
			for j := range i {
				if rng.IntN(4) == 0 {
					deps = append(deps, fmt.Sprintf("m%d", j))
				}
			}
			descriptors[i] = desc(fmt.Sprintf("m%d", i), deps...)
		}
		rng.Shuffle(n, func(i, j int) { descriptors[i], descriptors[j] = descriptors[j], descriptors[i] })

		first, err := ResolveOrder(descriptors)
		require.NoError(t, err, "round %d", round)
		assertValidOrder(t, descriptors, first)

		second, err := ResolveOrder(descriptors)
		require.NoError(t, err)
		assert.Equal(t, first, second, "resolution must be deterministic")
	}
}

func TestResolveOrderErrors(t *testing.T) {
	t.Run("cycle names its members", func(t *testing.T) {
		_, err := ResolveOrder([]Descriptor{desc("a", "b"), desc("b", "c"), desc("c", "a")})
		require.ErrorIs(t, err, ErrCyclicDependency)

		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"a", "b", "c", "a"}, cycleErr.Cycle)
		assert.Contains(t, err.Error(), "a -> b -> c -> a")
	})

	t.Run("cycle behind an acyclic prefix", func(t *testing.T) {
		_, err := ResolveOrder([]Descriptor{desc("base"), desc("x", "base", "y"), desc("y", "x")})
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"x", "y", "x"}, cycleErr.Cycle)
	})

	t.Run("self dependency", func(t *testing.T) {
		_, err := ResolveOrder([]Descriptor{desc("a", "a")})
		var cycleErr *CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"a", "a"}, cycleErr.Cycle)
	})

	t.Run("unknown dependencies are all reported", func(t *testing.T) {
		_, err := ResolveOrder([]Descriptor{desc("auth", "sqlite"), desc("game", "network")})
		require.ErrorIs(t, err, ErrUnknownDependency)
		assert.Contains(t, err.Error(), `"auth" depends on "sqlite"`)
		assert.Contains(t, err.Error(), `"game" depends on "network"`)

		var unknown *UnknownDependencyError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "auth", unknown.Module)
		assert.Equal(t, "sqlite", unknown.Dependency)
	})

	t.Run("duplicate module", func(t *testing.T) {
		_, err := ResolveOrder([]Descriptor{desc("a"), desc("a")})
		assert.ErrorIs(t, err, ErrDuplicateModule)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := ResolveOrder([]Descriptor{desc("")})
		assert.ErrorIs(t, err, ErrModuleNameEmpty)
	})
}

func TestShutdownOrder(t *testing.T) {
	descriptors := exampleDescriptors()
	loadOrder, err := ResolveOrder(descriptors)
	require.NoError(t, err)

	t.Run("reverse of load order by default", func(t *testing.T) {
		order, err := ShutdownOrder(descriptors, loadOrder, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"game", "auth", "sqlite", "network"}, order)
		assert.Equal(t, []string{"network", "sqlite", "auth", "game"}, loadOrder, "load order must not be mutated")
	})

	t.Run("valid override", func(t *testing.T) {
		override := []string{"game", "network", "auth", "sqlite"}
		order, err := ShutdownOrder(descriptors, loadOrder, override)
		require.NoError(t, err)
		assert.Equal(t, override, order)
	})

	invalid := map[string][]string{
		"dependency before dependent": {"sqlite", "game", "auth", "network"},
		"missing module":              {"game", "auth", "sqlite"},
		"duplicate entry":             {"game", "game", "auth", "sqlite", "network"},
		"unknown module":              {"game", "auth", "sqlite", "network", "chat"},
	}
	for name, override := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ShutdownOrder(descriptors, loadOrder, override)
			assert.ErrorIs(t, err, ErrShutdownOrderInvalid)
		})
	}
}

func TestShutdownOrderReversesRandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		n := 1 + rng.IntN(12)
		descriptors := make([]Descriptor, n)
		for i := range n {
			var deps []string
			if i > 0 && rng.IntN(2) == 0 {
				deps = append(deps, fmt.Sprintf("m%d", rng.IntN(i)))
			}
			descriptors[i] = desc(fmt.Sprintf("m%d", i), deps...)
		}
		loadOrder, err := ResolveOrder(descriptors)
		require.NoError(t, err)
		shutdown, err := ShutdownOrder(descriptors, loadOrder, nil)
		require.NoError(t, err)

		reversed := slices.Clone(shutdown)
		slices.Reverse(reversed)
		assert.Equal(t, loadOrder, reversed)

		// The default order is itself a valid override.
		_, err = ShutdownOrder(descriptors, loadOrder, shutdown)
		assert.NoError(t, err)
	}
}

func TestCatalogSpecs(t *testing.T) {
	noop := func(Host) (Module, error) { return ModuleBase{}, nil }
	catalog := NewCatalog().MustRegister(
		Registration{Descriptor: desc("sqlite"), Factory: noop},
		Registration{Descriptor: desc("auth", "sqlite"), Factory: noop},
	)

	t.Run("register validation", func(t *testing.T) {
		assert.ErrorIs(t, catalog.Register(Registration{Descriptor: desc("sqlite"), Factory: noop}), ErrDuplicateModule)
		assert.ErrorIs(t, catalog.Register(Registration{Descriptor: desc("x")}), ErrFactoryNil)
		assert.ErrorIs(t, catalog.Register(Registration{Factory: noop}), ErrModuleNameEmpty)
		assert.Equal(t, []string{"sqlite", "auth"}, catalog.Names())
	})

	t.Run("catalog dependencies are the default", func(t *testing.T) {
		specs, err := catalog.Specs(moduleConfigs("auth", "sqlite"))
		require.NoError(t, err)
		require.Len(t, specs, 2)
		assert.Equal(t, []string{"sqlite"}, specs[0].Descriptor.Dependencies)
		assert.True(t, specs[0].AutoLoad)
		assert.True(t, specs[0].Enabled)
	})

	t.Run("configured dependencies replace the default", func(t *testing.T) {
		cfgs := moduleConfigs("auth", "sqlite")
		cfgs[1].Dependencies = []string{"auth"}
		cfgs[0].Dependencies = []string{"missing"}
		specs, err := catalog.Specs(cfgs)
		require.NoError(t, err)

		_, err = ResolveOrder(Descriptors(specs))
		assert.ErrorIs(t, err, ErrUnknownDependency)

		reg, _ := catalog.Lookup("auth")
		assert.Equal(t, []string{"sqlite"}, reg.Dependencies, "catalog entry must be untouched")
	})

	t.Run("unregistered module", func(t *testing.T) {
		_, err := catalog.Specs(moduleConfigs("chat"))
		assert.ErrorIs(t, err, ErrModuleNotRegistered)
	})
}
