package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
)

const (
	defaultBaseURL  = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
)

// CartesiaProvider implements the STT Provider interface using Cartesia's API.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewCartesia creates a new Cartesia STT provider.
func NewCartesia(apiKey string) *CartesiaProvider {
	return &CartesiaProvider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
}

// NewCartesiaWithClient creates a provider with a custom HTTP client and
// base URL. An empty baseURL keeps the default.
func NewCartesiaWithClient(apiKey, baseURL string, client *http.Client) *CartesiaProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &CartesiaProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

// Transcribe converts buffered audio to text using Cartesia's batch STT API.
func (c *CartesiaProvider) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*Transcript, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "ink-whisper"
	}
	if err := mw.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	reqURL := c.baseURL + "/stt"
	if opts.Encoding != "" || opts.SampleRate > 0 {
		u, _ := url.Parse(reqURL)
		q := u.Query()
		if opts.Encoding != "" {
			q.Set("encoding", opts.Encoding)
		}
		if opts.SampleRate > 0 {
			q.Set("sample_rate", fmt.Sprintf("%d", opts.SampleRate))
		}
		u.RawQuery = q.Encode()
		reqURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(body))
	}

	var cartesiaResp cartesiaTranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cartesiaResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	t := &Transcript{Text: cartesiaResp.Text}
	if cartesiaResp.Language != nil {
		t.Language = *cartesiaResp.Language
	}
	if cartesiaResp.Duration != nil {
		t.Duration = *cartesiaResp.Duration
	}
	return t, nil
}

type cartesiaTranscriptionResponse struct {
	Text     string   `json:"text"`
	Language *string  `json:"language,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}
