// Package anthropic is the one concrete LLM adapter behind the
// Anthropic node kind, generalizing graph/model/anthropic/anthropic.go's
// ChatModel: same SDK, same system/user message split, collapsed from a
// general multi-turn ChatModel interface to the single system+user
// prompt → reply shape the Anthropic node config carries (§4.3).
package anthropic

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Request is one Anthropic node invocation's input.
type Request struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	UserPrompt   string
}

// Client is the node executor's collaborator interface, so tests can
// substitute a fake without an API key.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// SDKClient wraps the official Anthropic SDK client, matching the
// teacher's defaultClient.
type SDKClient struct {
	apiKey string
}

// New returns a Client backed by the real Anthropic API.
func New(apiKey string) *SDKClient {
	return &SDKClient{apiKey: apiKey}
}

func (c *SDKClient) Complete(ctx context.Context, req Request) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if c.apiKey == "" {
		return "", errors.New("anthropic: API key is required")
	}
	if req.Model == "" {
		req.Model = "claude-sonnet-4-5-20250929"
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  []anthropicsdk.MessageParam{anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.UserPrompt))},
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
