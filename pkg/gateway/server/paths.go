package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/skyvoice-ai/skyvoice/pkg/flightsearch"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/config"
	"github.com/skyvoice-ai/skyvoice/pkg/gateway/session"
	"github.com/skyvoice-ai/skyvoice/pkg/path"
	"github.com/skyvoice-ai/skyvoice/pkg/realtime"
	"github.com/skyvoice-ai/skyvoice/pkg/reasoning"
	"github.com/skyvoice-ai/skyvoice/pkg/transport"
	"github.com/skyvoice-ai/skyvoice/pkg/voice/stt"
	"github.com/skyvoice-ai/skyvoice/pkg/voice/tts"
)

const assistantInstructions = "You are a flight search assistant. Help the " +
	"caller find flights: ask for origin, destination and dates when they " +
	"are missing, call search_flights once you have them, and summarize the " +
	"best options briefly. Answer in the caller's language."

// PathFactory builds the realtime and fallback paths for each live session.
type PathFactory struct {
	cfg        config.Config
	httpClient *http.Client
}

func NewPathFactory(cfg config.Config, httpClient *http.Client) *PathFactory {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &PathFactory{cfg: cfg, httpClient: httpClient}
}

// NewPaths builds a fresh pair of paths bound to the hello's language.
func (f *PathFactory) NewPaths(hello transport.ClientHello, logger *slog.Logger) (session.Paths, error) {
	language := strings.TrimSpace(hello.Language)
	if language == "" {
		language = f.cfg.Language
	}

	executor := f.newExecutor()
	tools := executor.Schemas()

	dialer := func(ctx context.Context) (path.RealtimeBackend, error) {
		return realtime.Dial(ctx, realtime.Config{
			URL:              f.cfg.RealtimeURL,
			APIKey:           f.cfg.RealtimeAPIKey,
			Model:            f.cfg.RealtimeModel,
			Voice:            f.cfg.RealtimeVoice,
			Language:         language,
			Instructions:     assistantInstructions,
			Tools:            tools,
			HandshakeTimeout: f.cfg.LiveHandshakeTimeout,
		})
	}

	sttProvider := stt.NewCartesiaWithClient(f.cfg.CartesiaAPIKey, "", f.httpClient)
	ttsProvider := tts.NewCartesiaWithClient(f.cfg.CartesiaAPIKey, "", "", f.httpClient)

	llmOpts := []reasoning.Option{reasoning.WithHTTPClient(f.httpClient)}
	if f.cfg.ReasoningBaseURL != "" {
		llmOpts = append(llmOpts, reasoning.WithBaseURL(f.cfg.ReasoningBaseURL))
	}
	if f.cfg.ReasoningModel != "" {
		llmOpts = append(llmOpts, reasoning.WithModel(f.cfg.ReasoningModel))
	}
	llm := reasoning.NewOpenAI(f.cfg.ReasoningAPIKey, llmOpts...)

	fallback := path.NewFallback(sttProvider, llm, ttsProvider, executor, path.FallbackConfig{
		StageTimeout: f.cfg.FallbackStageTimeout,
		StageRetries: f.cfg.FallbackStageRetries,
		Language:     language,
		Voice:        f.cfg.TTSVoice,
		SampleRate:   f.cfg.AudioSampleRate,
		System:       assistantInstructions,
	}, logger)

	return session.Paths{
		Realtime: path.NewRealtime(dialer, executor, logger),
		Fallback: fallback,
	}, nil
}

func (f *PathFactory) newExecutor() *flightsearch.Registry {
	client := flightsearch.NewClient(f.cfg.FlightSearchAPIKey, f.cfg.FlightSearchBaseURL, f.httpClient)
	return flightsearch.NewRegistry(flightsearch.NewSearchTool(client))
}
