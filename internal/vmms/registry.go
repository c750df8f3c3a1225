package vmms

import "fmt"

// Factory builds a Driver from a name it owns. Registered once per
// process at startup by whichever main package wires up concrete
// drivers -- design note "Dynamic driver selection" in spec.md §9:
// replace runtime class lookup with a registry keyed by driver name.
type Factory func() (Driver, error)

var registry = map[string]Factory{}

// Register adds a driver factory under name. Re-registering the same
// name overwrites the previous factory, which is convenient for tests
// that substitute a fake driver.
func Register(name string, f Factory) {
	registry[name] = f
}

// Build instantiates the driver registered under name.
func Build(name string) (Driver, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("vmms: no driver registered under %q", name)
	}
	return f()
}

// Registered lists the names currently registered, for diagnostics.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
