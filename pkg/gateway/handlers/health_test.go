package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skyvoice-ai/skyvoice/pkg/gateway/config"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:                     config.AuthModeRequired,
		APIKeys:                      map[string]struct{}{"k1": {}},
		PreferredPath:                "realtime",
		RealtimeFirstFragmentTimeout: 3 * time.Second,
		FallbackStageTimeout:         10 * time.Second,
		MaxBackoff:                   8 * time.Second,
		FragmentBufferCap:            64,
		LiveMaxAudioFrameBytes:       8192,
		LiveMaxJSONMessageBytes:      64 * 1024,
		RealtimeAPIKey:               "sk-realtime",
		CartesiaAPIKey:               "sk-cartesia",
		ReasoningAPIKey:              "sk-reasoning",
	}
}

type readyResponse struct {
	OK             bool     `json:"ok"`
	AuthMode       string   `json:"auth_mode"`
	StoreEnabled   bool     `json:"store_enabled"`
	RealtimeConfig bool     `json:"realtime_configured"`
	Issues         []string `json:"issues"`
}

func doReady(t *testing.T, h ReadyHandler) (int, readyResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body readyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	code, body := doReady(t, ReadyHandler{Config: readyConfig()})
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !body.OK {
		t.Fatalf("ok = false, issues = %v", body.Issues)
	}
	if body.AuthMode != "required" {
		t.Fatalf("auth_mode = %q, want required", body.AuthMode)
	}
	if body.StoreEnabled {
		t.Fatal("store_enabled = true without a store")
	}
	if !body.RealtimeConfig {
		t.Fatal("realtime_configured = false with realtime key set")
	}
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.APIKeys = map[string]struct{}{}

	code, body := doReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if body.OK {
		t.Fatal("ok = true, want not ready")
	}
	found := false
	for _, issue := range body.Issues {
		if strings.Contains(issue, "api keys") {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues = %v, want api key issue", body.Issues)
	}
}

func TestReadyHandler_MissingProviderKeys(t *testing.T) {
	cfg := readyConfig()
	cfg.CartesiaAPIKey = ""
	cfg.ReasoningAPIKey = ""

	code, body := doReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if len(body.Issues) != 2 {
		t.Fatalf("issues = %v, want cartesia and reasoning issues", body.Issues)
	}
}

func TestReadyHandler_BrokenPipelineLimits(t *testing.T) {
	cfg := readyConfig()
	cfg.FragmentBufferCap = 0
	cfg.MaxBackoff = 0

	code, body := doReady(t, ReadyHandler{Config: cfg})
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if len(body.Issues) < 2 {
		t.Fatalf("issues = %v, want buffer cap and backoff issues", body.Issues)
	}
}
