// Package openai adapts any OpenAI-compatible chat completions endpoint to
// the LLM port. Setting a base URL points the same client at proxies, local
// gateways, or other compatible providers.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/pkg/models"
)

const defaultTimeout = 120 * time.Second

// Options configures a provider instance.
type Options struct {
	// Name identifies the provider in usage records and logs.
	Name string

	// APIKey authenticates requests.
	APIKey string

	// BaseURL overrides the endpoint for OpenAI-compatible services.
	BaseURL string

	// Timeout caps a single HTTP request.
	Timeout time.Duration
}

// Provider implements the LLM port over the chat completions API.
type Provider struct {
	name   string
	client *openai.Client
}

// New builds a provider. The zero Timeout defaults to two minutes; request
// deadlines still come from the caller's context.
func New(opts Options) *Provider {
	if opts.Name == "" {
		opts.Name = "openai"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	return &Provider{name: opts.Name, client: openai.NewClientWithConfig(cfg)}
}

func (p *Provider) Name() string { return p.name }

// Complete runs one chat completion, mapping tool definitions out and tool
// calls back.
func (p *Provider) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.Completion, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toChatMessages(req.System, req.Messages),
		Tools:    toChatTools(req.Tools),
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.ReasoningLevel != "" {
		chatReq.ReasoningEffort = req.ReasoningLevel
	}

	started := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errdefs.New(errdefs.KindUpstreamUnavailable, "completion returned no choices")
	}

	choice := resp.Choices[0].Message
	completion := &ports.Completion{
		Content: choice.Content,
		Usage: models.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
			Latency:      time.Since(started),
		},
	}
	for _, call := range choice.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(call.Function.Arguments),
		})
	}
	return completion, nil
}

func toChatMessages(system string, msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func toChatTools(defs []models.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

// classify maps transport failures into the error taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return errdefs.RateLimited(apiErr.Message, 0)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return errdefs.Wrap(errdefs.KindUpstreamUnavailable, "authentication rejected", err)
		default:
			return errdefs.Wrap(errdefs.KindUpstreamUnavailable, "completion failed", err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errdefs.Wrap(errdefs.KindUpstreamUnavailable, "completion request failed", err)
}
