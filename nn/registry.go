package nn

import (
	"fmt"
	"sort"
	"sync"
)

var (
	customMu          sync.RWMutex
	customActivations = map[string]func() Activation{}
)

// RegisterActivation makes a custom activation loadable by name.
// Serialized models only store the name of a custom activation, so Load
// can only restore activations registered here.
func RegisterActivation(name string, factory func() Activation) error {
	customMu.Lock()
	defer customMu.Unlock()

	if _, err := builtinActivation(name); err == nil {
		return fmt.Errorf("activation %q is built in", name)
	}
	if _, ok := customActivations[name]; ok {
		return fmt.Errorf("activation %q already registered", name)
	}
	customActivations[name] = factory
	return nil
}

// ListActivations returns the names of all registered custom activations.
func ListActivations() []string {
	customMu.RLock()
	defer customMu.RUnlock()

	names := make([]string, 0, len(customActivations))
	for name := range customActivations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupCustom(name string) (func() Activation, bool) {
	customMu.RLock()
	defer customMu.RUnlock()
	f, ok := customActivations[name]
	return f, ok
}
