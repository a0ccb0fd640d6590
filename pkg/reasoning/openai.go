package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/skyvoice-ai/skyvoice/pkg/core/types"
)

const (
	// DefaultBaseURL is the default OpenAI-compatible API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is the chat model used when none is configured.
	DefaultModel = "gpt-4o-mini"
)

// OpenAIProvider implements Provider against any OpenAI-compatible chat
// completions API (OpenAI, Groq, Cerebras, OpenRouter).
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option configures the OpenAI provider.
type Option func(*OpenAIProvider)

// WithBaseURL sets a custom base URL (for testing or a compatible vendor).
func WithBaseURL(url string) Option {
	return func(p *OpenAIProvider) {
		p.baseURL = url
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(p *OpenAIProvider) {
		p.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *OpenAIProvider) {
		p.httpClient = client
	}
}

// NewOpenAI creates a new OpenAI-compatible reasoning provider.
func NewOpenAI(apiKey string, opts ...Option) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete runs one reasoning step over the chat completions API.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Reply, error) {
	chatReq := chatRequest{Model: p.model}

	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.History {
		msg, err := convertTurn(turn)
		if err != nil {
			return nil, err
		}
		chatReq.Messages = append(chatReq.Messages, msg)
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat error %d: %s", resp.StatusCode, string(errBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	choice := chatResp.Choices[0].Message
	if len(choice.ToolCalls) > 0 {
		tc := choice.ToolCalls[0]
		return &Reply{
			Call: &types.FunctionCallRequest{
				CallID: tc.ID,
				Name:   tc.Function.Name,
				Args:   json.RawMessage(tc.Function.Arguments),
			},
		}, nil
	}
	return &Reply{Text: choice.Content}, nil
}

func convertTurn(turn types.HistoryTurn) (chatMessage, error) {
	switch turn.Role {
	case types.RoleUser:
		return chatMessage{Role: "user", Content: turn.Text}, nil
	case types.RoleAssistant:
		msg := chatMessage{Role: "assistant", Content: turn.Text}
		if turn.Call != nil {
			msg.ToolCalls = []chatToolCall{{
				ID:   turn.Call.CallID,
				Type: "function",
				Function: chatToolCallFunction{
					Name:      turn.Call.Name,
					Arguments: string(turn.Call.Args),
				},
			}}
		}
		return msg, nil
	case types.RoleTool:
		if turn.CallResp == nil {
			return chatMessage{}, fmt.Errorf("tool turn missing call result")
		}
		content := string(turn.CallResp.Result)
		if turn.CallResp.Error != "" {
			content = fmt.Sprintf(`{"error":%q}`, turn.CallResp.Error)
		}
		return chatMessage{Role: "tool", Content: content, ToolCallID: turn.CallResp.CallID}, nil
	default:
		return chatMessage{}, fmt.Errorf("unknown history role %q", turn.Role)
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function chatToolCallFunction `json:"function"`
}

type chatToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}
