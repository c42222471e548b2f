// Package control implements the administrative command registry for runtime
// operations. See doc.go for complete package documentation.
package control

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrUnknownCommand is returned when dispatching a command name that has not
// been registered (or has been deregistered).
var ErrUnknownCommand = errors.New("unknown command")

// Handler executes an administrative command with its positional arguments
// and returns a human-readable status string. Handlers must perform their
// own argument validation and report malformed input through the returned
// string rather than panicking; the registry passes arguments through
// verbatim.
type Handler func(args []string) string

// Command is a named administrative operation an operator can invoke at
// runtime: a name, a one-line description for listings, and the handler
// that performs the operation.
//
// Commands hold no state of their own. A handler typically closes over the
// component it mutates (for example the replication slave), which couples
// the command's useful lifetime to that component: deregister commands
// before shutting down the component they point into.
type Command struct {
	// Name is the invocation keyword, e.g. "failover_reset".
	// Unique within a registry.
	Name string

	// Description is a one-line human-readable summary shown in listings.
	Description string

	// Handler executes the command.
	Handler Handler
}

// Registry maps command names to their handlers and dispatches invocations.
//
// Concurrency Model:
//   - Read operations (Run, List) use RLock for parallel access
//   - Registration and deregistration use Lock for exclusive access
//   - No locks are held while a handler executes
//
// Lifetime:
// The registry itself is passive, but registered handlers reference live
// components. The owner must deregister (or discard the whole registry)
// before destroying a component a handler closes over.
type Registry struct {
	// commands maps command names to their definitions.
	commands map[string]Command

	// mu protects concurrent access to the commands map.
	mu sync.RWMutex
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Command),
	}
}

// Register adds a command to the registry.
// Returns an error if the name is empty, the handler is nil, or a command
// with the same name is already registered.
func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" {
		return errors.New("command name must not be empty")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q has no handler", cmd.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// Deregister removes a command by name.
// Removing an unknown name is a no-op (idempotent), so shutdown paths can
// deregister unconditionally.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commands, name)
}

// Run dispatches a command by name, invoking its handler with args.
// Returns the handler's status string, or ErrUnknownCommand if no command
// with that name is registered.
//
// The handler runs without the registry lock held, so handlers may block or
// call back into the registry.
func (r *Registry) Run(name string, args []string) (string, error) {
	r.mu.RLock()
	cmd, exists := r.commands[name]
	r.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd.Handler(args), nil
}

// List returns all registered commands sorted by name, for help output and
// the /info surface. The returned slice is a copy.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	slices.SortFunc(out, func(a, b Command) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return out
}
