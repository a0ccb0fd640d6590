// Package reasoning provides the text reasoning stage of the fallback
// path: conversation history plus tool schemas in, assistant text or a
// function call out.
package reasoning

import (
	"context"
	"encoding/json"

	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
)

// ToolSchema describes one callable tool advertised to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one reasoning step.
type Request struct {
	System   string
	Language string
	History  []types.HistoryTurn
	Tools    []ToolSchema
}

// Reply is the model's answer to one step: either assistant text or a
// function call to resolve before the next step.
type Reply struct {
	Text string
	Call *types.FunctionCallRequest
}

// Provider is the interface for text reasoning services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Complete runs one reasoning step.
	Complete(ctx context.Context, req *Request) (*Reply, error)
}
