// Package flightsearch provides the function executor and the flight
// search tool both reasoning paths call into.
package flightsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/skyvoice-ai/skyvoice/pkg/core"
	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
	"github.com/skyvoice-ai/skyvoice/pkg/reasoning"
)

// Tool is one named callable exposed to the reasoning stages.
type Tool interface {
	Name() string
	Schema() reasoning.ToolSchema
	Configured() bool
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Registry is a stateless executor safe for concurrent use by any number
// of sessions.
type Registry struct {
	byName map[string]Tool
}

// NewRegistry builds a registry from the given tools. Nil entries are
// skipped.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		r.byName[t.Name()] = t
	}
	return r
}

// Names lists the registered tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Schemas returns the tool schemas advertised to the reasoning stages.
func (r *Registry) Schemas() []reasoning.ToolSchema {
	if r == nil {
		return nil
	}
	out := make([]reasoning.ToolSchema, 0, len(r.byName))
	for _, name := range r.Names() {
		out = append(out, r.byName[name].Schema())
	}
	return out
}

// Execute resolves one function call. The returned result has either the
// tool output or the error string filled in; an execution failure is a
// structured result for the reasoning loop, never a crash.
func (r *Registry) Execute(ctx context.Context, req types.FunctionCallRequest) types.FunctionCallResult {
	res := types.FunctionCallResult{CallID: req.CallID, Name: req.Name}
	if r == nil {
		res.Error = "no tools configured"
		return res
	}
	tool, ok := r.byName[req.Name]
	if !ok {
		res.Error = fmt.Sprintf("unknown tool %q", req.Name)
		return res
	}
	if !tool.Configured() {
		res.Error = fmt.Sprintf("tool %q is not configured", req.Name)
		return res
	}
	out, err := tool.Execute(ctx, req.Args)
	if err != nil {
		res.Error = core.NewExecutionError(req.Name, err).Error()
		return res
	}
	res.Result = out
	return res
}
