// Package primitive implements the terminal executors of a resolved chain.
//
// Primitives are the only components that perform direct side effects
// (spawning processes, making network calls, running WASM). They do not
// consult the capability model: the harness gates entry, and a primitive
// assumes the call it receives has already been authorized.
package primitive

import (
	"context"
	"sync"
	"time"

	"github.com/keelworks/keel/pkg/fault"
)

// Call carries the parameters of a single primitive invocation. Params are
// the tool-level parameters after schema validation; Timeout, when non-zero,
// overrides the executor's default.
type Call struct {
	Params  map[string]any
	Timeout time.Duration
}

// Result is the structured output of a primitive invocation. Keys depend on
// the primitive (e.g. stdout/stderr/exit_code for processes).
type Result struct {
	Output map[string]any
}

// Executor is a terminal primitive addressable by item ID.
type Executor interface {
	// ID returns the item ID the chain's terminal link must carry for this
	// executor to be selected.
	ID() string

	Execute(ctx context.Context, call Call) (*Result, error)
}

// Registry maps terminal item IDs to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.ID()] = e
}

// Lookup returns the executor registered for the given terminal item ID.
func (r *Registry) Lookup(id string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	if !ok {
		return nil, fault.New(fault.CodeNotFound, "no executor registered for primitive %q", id).WithItem(id)
	}
	return e, nil
}
