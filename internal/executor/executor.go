// Package executor runs a claimed agent job and reports its result. The
// queue treats executors as opaque: they receive a prompt and a working
// directory and return a terminal agentjob.Result.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/scarson/agentq/internal/agentjob"
)

// Executor runs one agent job to completion.
type Executor interface {
	Execute(ctx context.Context, req agentjob.ExecRequest) (agentjob.Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req agentjob.ExecRequest) (agentjob.Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req agentjob.ExecRequest) (agentjob.Result, error) {
	return f(ctx, req)
}

// Registry maps the executor name stored on a job to its implementation.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]Executor)}
}

// Register associates e with name, replacing any previous entry.
func (r *Registry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[name] = e
}

// Lookup returns the executor registered under name.
func (r *Registry) Lookup(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[name]
	if !ok {
		return nil, fmt.Errorf("no executor registered for %q", name)
	}
	return e, nil
}

// Names lists registered executor names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.execs))
	for n := range r.execs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
