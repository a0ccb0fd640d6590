package flightsearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
	"github.com/skyvoice-ai/skyvoice/pkg/reasoning"
)

type stubTool struct {
	name       string
	configured bool
	out        json.RawMessage
	err        error
	gotArgs    json.RawMessage
}

func (s *stubTool) Name() string     { return s.name }
func (s *stubTool) Configured() bool { return s.configured }
func (s *stubTool) Schema() reasoning.ToolSchema {
	return reasoning.ToolSchema{Name: s.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (s *stubTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	s.gotArgs = args
	return s.out, s.err
}

func TestRegistryExecute(t *testing.T) {
	t.Parallel()
	tool := &stubTool{name: "search_flights", configured: true, out: json.RawMessage(`{"offers":[]}`)}
	r := NewRegistry(tool, nil)

	res := r.Execute(context.Background(), types.FunctionCallRequest{
		CallID: "c1", Name: "search_flights", Args: json.RawMessage(`{"origin":"LIN"}`),
	})
	if res.CallID != "c1" || res.Name != "search_flights" {
		t.Fatalf("result identity = %+v", res)
	}
	if res.Error != "" {
		t.Fatalf("Error = %q, want empty", res.Error)
	}
	if string(res.Result) != `{"offers":[]}` {
		t.Fatalf("Result = %s", res.Result)
	}
	if string(tool.gotArgs) != `{"origin":"LIN"}` {
		t.Fatalf("tool args = %s", tool.gotArgs)
	}
}

func TestRegistryExecute_UnknownTool(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&stubTool{name: "search_flights", configured: true})
	res := r.Execute(context.Background(), types.FunctionCallRequest{CallID: "c2", Name: "book_hotel"})
	if res.Error == "" || !strings.Contains(res.Error, "book_hotel") {
		t.Fatalf("Error = %q, want unknown tool mention", res.Error)
	}
	if res.Result != nil {
		t.Fatalf("Result = %s, want nil", res.Result)
	}
}

func TestRegistryExecute_UnconfiguredTool(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&stubTool{name: "search_flights", configured: false})
	res := r.Execute(context.Background(), types.FunctionCallRequest{Name: "search_flights"})
	if res.Error == "" || !strings.Contains(res.Error, "not configured") {
		t.Fatalf("Error = %q, want not-configured mention", res.Error)
	}
}

func TestRegistryExecute_ToolFailureIsStructured(t *testing.T) {
	t.Parallel()
	r := NewRegistry(&stubTool{name: "search_flights", configured: true, err: errors.New("backend down")})
	res := r.Execute(context.Background(), types.FunctionCallRequest{Name: "search_flights"})
	if res.Error == "" || !strings.Contains(res.Error, "backend down") {
		t.Fatalf("Error = %q, want underlying failure surfaced", res.Error)
	}
	if res.Result != nil {
		t.Fatalf("Result = %s, want nil on failure", res.Result)
	}
}

func TestRegistryNamesAndSchemas(t *testing.T) {
	t.Parallel()
	r := NewRegistry(
		&stubTool{name: "zeta", configured: true},
		&stubTool{name: "alpha", configured: true},
	)
	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("Names() = %v, want sorted [alpha zeta]", names)
	}
	schemas := r.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "alpha" || schemas[1].Name != "zeta" {
		t.Fatalf("Schemas() = %+v, want sorted by name", schemas)
	}
}

func TestRegistryExecute_NilRegistry(t *testing.T) {
	t.Parallel()
	var r *Registry
	res := r.Execute(context.Background(), types.FunctionCallRequest{Name: "search_flights"})
	if res.Error == "" {
		t.Fatal("nil registry Execute should report no tools configured")
	}
	if r.Names() != nil || r.Schemas() != nil {
		t.Fatal("nil registry Names/Schemas should return nil")
	}
}

func TestSearchToolExecute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"offers": []Offer{{Carrier: "LH", FlightNumber: "LH123"}}})
	}))
	defer srv.Close()

	tool := NewSearchTool(NewClient("", srv.URL, srv.Client()))
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"origin":"MXP","destination":"FRA","depart_date":"2026-10-01"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded struct {
		Offers []Offer `json:"offers"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(decoded.Offers) != 1 || decoded.Offers[0].FlightNumber != "LH123" {
		t.Fatalf("offers = %+v", decoded.Offers)
	}
}

func TestSearchToolExecute_BadArguments(t *testing.T) {
	t.Parallel()
	tool := NewSearchTool(NewClient("", "http://127.0.0.1:0", nil))
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"origin":42}`)); err == nil {
		t.Fatal("Execute with malformed args = nil error")
	}
}
