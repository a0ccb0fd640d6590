package flightsearch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skyvoice-ai/skyvoice/pkg/reasoning"
)

// ToolName is the function name advertised to the reasoning stages.
const ToolName = "search_flights"

var searchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"origin": {"type": "string", "description": "IATA code or city of departure"},
		"destination": {"type": "string", "description": "IATA code or city of arrival"},
		"depart_date": {"type": "string", "description": "Departure date, YYYY-MM-DD"},
		"return_date": {"type": "string", "description": "Return date for round trips, YYYY-MM-DD"},
		"passengers": {"type": "integer", "minimum": 1},
		"cabin_class": {"type": "string", "enum": ["economy", "premium_economy", "business", "first"]}
	},
	"required": ["origin", "destination", "depart_date"]
}`)

// SearchTool exposes the flight search client as a callable tool.
type SearchTool struct {
	client *Client
}

// NewSearchTool wraps a flight search client.
func NewSearchTool(client *Client) *SearchTool {
	return &SearchTool{client: client}
}

// Name returns the tool identifier.
func (t *SearchTool) Name() string { return ToolName }

// Configured reports whether the backing client is usable.
func (t *SearchTool) Configured() bool { return t.client.Configured() }

// Schema returns the JSON schema advertised to the model.
func (t *SearchTool) Schema() reasoning.ToolSchema {
	return reasoning.ToolSchema{
		Name:        ToolName,
		Description: "Search for flights between two airports or cities on given dates.",
		Parameters:  searchSchema,
	}
}

// Execute parses the model's arguments and runs the search.
func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var q Query
	if err := json.Unmarshal(args, &q); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	offers, err := t.client.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]any{"offers": offers})
	if err != nil {
		return nil, fmt.Errorf("marshal offers: %w", err)
	}
	return out, nil
}
