package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Client is a coding backend: it takes a prompt describing work to do in a
// repository and runs until the work is done, returning the backend's final
// output.
type Client interface {
	Run(ctx context.Context, prompt string) (string, error)
	Close() error
}

// Options configures a client instance.
type Options struct {
	// Model overrides the backend's default model. Empty means default.
	Model string

	// WorkDir is the repository the backend operates in.
	WorkDir string
}

// Factory builds a client for one backend.
type Factory func(Options) (Client, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend available under the given name. Registering the
// same name twice panics; backends are wired once at startup.
func Register(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("backend: Register called twice for %q", name))
	}
	factories[name] = f
}

func lookup(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Registered returns the names of all registered backends, sorted.
func Registered() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
