// Package handler is the task handler registry (spec §4.6): a tagged
// interface mapping a task's type to its Execute (and optional Compensate)
// implementation, no inheritance. Adapted from plugins.go's
// PluginExecutor/PluginRegistry, narrowed to the ok/transient/permanent
// result contract the scheduler expects instead of a bare error return.
package handler

import (
	"context"
	"fmt"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// Result is a handler's outcome. Output is opaque task-defined data
// surfaced in the workflow status API.
type Result struct {
	Output map[string]any
}

// Handler executes one task type. Execute must return an error wrapping
// kernelerr.ErrTransient or kernelerr.ErrPermanent so the scheduler knows
// whether to retry (spec §4.6). Compensation is optional: a handler
// supports rollback by also implementing Compensator.
type Handler interface {
	Execute(ctx context.Context, t *workflow.Task) (Result, error)
}

// Compensator is implemented by handlers whose effect can be reversed
// (spec §4.8 compensation).
type Compensator interface {
	Compensate(ctx context.Context, t *workflow.Task, result Result) error
}

// Registry maps a task's (type, function) pair to its Handler (spec
// §4.6). function is config["function"] (see workflow.Task.HandlerFunction);
// a type-wide default is registered with an empty function and is used
// whenever a task doesn't name a more specific one.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds (or replaces) the type-wide default handler for a task
// type, used when a task's config names no function override.
func (r *Registry) Register(taskType string, h Handler) {
	r.handlers[registryKey(taskType, "")] = h
}

// RegisterFunction adds (or replaces) a handler scoped to a specific
// config["function"] name under a task type, taking precedence over the
// type-wide default for tasks that name it.
func (r *Registry) RegisterFunction(taskType, function string, h Handler) {
	r.handlers[registryKey(taskType, function)] = h
}

// Lookup resolves the handler for a task's type and optional function
// override, falling back to the type-wide default, and returns a
// permanent error if neither is registered — an unroutable task can
// never succeed by retrying.
func (r *Registry) Lookup(taskType, function string) (Handler, error) {
	if function != "" {
		if h, ok := r.handlers[registryKey(taskType, function)]; ok {
			return h, nil
		}
	}
	if h, ok := r.handlers[registryKey(taskType, "")]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: no handler registered for task type %q function %q", kernelerr.ErrPermanent, taskType, function)
}

func registryKey(taskType, function string) string {
	if function == "" {
		return taskType
	}
	return taskType + ":" + function
}
