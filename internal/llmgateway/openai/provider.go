// Package openai implements llmgateway.Provider against any OpenAI-compatible
// chat completions endpoint (litellm, Ollama, Azure, vLLM, etc.), grounded on
// the teacher's internal/llm/openai client.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pocketomega/foreman/internal/llmgateway"
	openailib "github.com/sashabaranov/go-openai"
)

// Config holds connection settings shared by every role (one provider
// account, many model IDs selected per role by the caller).
type Config struct {
	APIKey      string
	BaseURL     string
	HTTPTimeout time.Duration // default 300s, per-call context deadlines still apply
}

// Provider implements llmgateway.Provider.
type Provider struct {
	client *openailib.Client
}

// NewProvider creates a Provider from Config.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: APIKey is required")
	}
	clientConfig := openailib.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	return &Provider{client: openailib.NewClientWithConfig(clientConfig)}, nil
}

func (p *Provider) Name() string { return "openai-compatible" }

// Call sends messages and returns the complete response plus token usage.
// Unlike the teacher's client (which computed resp.Usage but discarded it),
// usage is returned to the caller for per-role accounting.
func (p *Provider) Call(ctx context.Context, model string, messages []llmgateway.Message, opts llmgateway.Options) (string, llmgateway.Usage, error) {
	if len(messages) == 0 {
		return "", llmgateway.Usage{}, fmt.Errorf("no messages to send")
	}

	openaiMsgs := make([]openailib.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		openaiMsgs[i] = openailib.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}

	req := openailib.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMsgs,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}
	if len(opts.StructuredSchema) > 0 {
		name := opts.StructuredSchemaName
		if name == "" {
			name = "result"
		}
		req.ResponseFormat = &openailib.ChatCompletionResponseFormat{
			Type: openailib.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openailib.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: opts.StructuredSchema,
				Strict: false,
			},
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", llmgateway.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", llmgateway.Usage{}, fmt.Errorf("no choices returned from LLM")
	}

	usage := llmgateway.Usage{
		Input:  resp.Usage.PromptTokens,
		Output: resp.Usage.CompletionTokens,
		Total:  resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}
