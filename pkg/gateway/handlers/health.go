package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/skyvoice-ai/skyvoice/pkg/gateway/config"
	"github.com/skyvoice-ai/skyvoice/pkg/store"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
	Store  *store.Store
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		StoreEnabled   bool     `json:"store_enabled"`
		RealtimeConfig bool     `json:"realtime_configured"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.FragmentBufferCap <= 0 {
		issues = append(issues, "fragment buffer cap must be > 0")
	}
	if h.Config.MaxBackoff <= 0 {
		issues = append(issues, "max backoff must be > 0")
	}
	if h.Config.RealtimeFirstFragmentTimeout <= 0 || h.Config.FallbackStageTimeout <= 0 {
		issues = append(issues, "pipeline timeouts must be > 0")
	}
	if h.Config.LiveMaxAudioFrameBytes <= 0 || h.Config.LiveMaxJSONMessageBytes <= 0 {
		issues = append(issues, "live frame limits must be > 0")
	}
	if h.Config.CartesiaAPIKey == "" {
		issues = append(issues, "cartesia api key not configured")
	}
	if h.Config.ReasoningAPIKey == "" {
		issues = append(issues, "reasoning api key not configured")
	}

	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			issues = append(issues, "database unreachable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		StoreEnabled:   h.Store != nil,
		RealtimeConfig: h.Config.RealtimeAPIKey != "",
		Issues:         issues,
	})
}
