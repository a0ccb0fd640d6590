package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultBaseURL  = "https://api.cartesia.ai"
	defaultWSURL    = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
)

// Default voice ID - deployments should configure their own.
const defaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

// CartesiaProvider implements the TTS Provider interface using Cartesia's API.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	wsURL      string
	httpClient *http.Client
}

// NewCartesia creates a new Cartesia TTS provider.
func NewCartesia(apiKey string) *CartesiaProvider {
	return &CartesiaProvider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		wsURL:      defaultWSURL,
		httpClient: &http.Client{},
	}
}

// NewCartesiaWithClient creates a provider with custom endpoints and HTTP
// client. Empty URLs keep the defaults.
func NewCartesiaWithClient(apiKey, baseURL, wsURL string, client *http.Client) *CartesiaProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	return &CartesiaProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		wsURL:      wsURL,
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

// Synthesize converts text to audio using Cartesia's TTS API.
func (c *CartesiaProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	voiceID := opts.Voice
	if voiceID == "" {
		voiceID = defaultVoiceID
	}

	reqBody := cartesiaTTSRequest{
		ModelID:    "sonic-3",
		Transcript: text,
		Voice: cartesiaVoiceSpec{
			Mode: "id",
			ID:   voiceID,
		},
		OutputFormat: buildOutputFormat(opts),
	}
	if opts.Speed != 0 {
		reqBody.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}
	if opts.Language != "" {
		reqBody.Language = &opts.Language
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &Synthesis{Audio: []byte{}, Format: getFormat(opts.Format)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return &Synthesis{Audio: audio, Format: getFormat(opts.Format)}, nil
}

// SynthesizeStream converts text to streaming audio using Cartesia's
// WebSocket API.
func (c *CartesiaProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	voiceID := opts.Voice
	if voiceID == "" {
		voiceID = defaultVoiceID
	}

	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	stream := NewSynthesisStream()

	wsReq := cartesiaTTSRequest{
		ModelID:    "sonic-3",
		Transcript: text,
		Voice: cartesiaVoiceSpec{
			Mode: "id",
			ID:   voiceID,
		},
		OutputFormat: buildOutputFormat(opts),
		ContextID:    uuid.NewString(),
	}
	if opts.Speed != 0 {
		wsReq.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}
	if opts.Language != "" {
		wsReq.Language = &opts.Language
	}

	if err := conn.WriteJSON(wsReq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send request: %w", err)
	}

	go func() {
		defer stream.FinishSending()
		defer conn.Close()

		for {
			select {
			case <-ctx.Done():
				stream.SetError(ctx.Err())
				return
			case <-stream.done:
				return
			default:
			}

			var msg cartesiaWSResponse
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				stream.SetError(err)
				return
			}

			switch msg.Type {
			case "chunk":
				audioData, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					stream.SetError(fmt.Errorf("decode audio: %w", err))
					return
				}
				if !stream.Send(audioData) {
					return
				}
			case "done":
				return
			case "error":
				stream.SetError(fmt.Errorf("cartesia error: %s", msg.Error))
				return
			}
		}
	}()

	return stream, nil
}

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         *string                   `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
	ContextID        string                    `json:"context_id,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

type cartesiaWSResponse struct {
	Type  string `json:"type"`
	Data  string `json:"data"`
	Error string `json:"error"`
	Done  bool   `json:"done"`
}

func buildOutputFormat(opts SynthesizeOptions) cartesiaOutputFormat {
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}

	switch opts.Format {
	case "mp3":
		return cartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: sampleRate,
			BitRate:    128000,
		}
	case "pcm", "raw":
		return cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		}
	default:
		return cartesiaOutputFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		}
	}
}

func getFormat(format string) string {
	switch format {
	case "mp3", "pcm", "raw", "wav":
		return format
	default:
		return "wav"
	}
}
