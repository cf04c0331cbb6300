// Package openaichat implements the structured reasoning call on top of the
// OpenAI chat completion API, as an alternative to the Gemini client.
package openaichat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Client wraps an OpenAI client for structured JSON generation.
type Client struct {
	client *openai.Client
	model  string
}

// NewClient creates a client bound to one model.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Client{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// GenerateStructured issues one chat completion in JSON mode. The schema is
// embedded in the instruction text; the response body is returned raw for
// the caller to decode against its own types.
func (c *Client) GenerateStructured(ctx context.Context, prompt string, schema any) (json.RawMessage, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	system := fmt.Sprintf(
		"Respond with a single JSON object conforming to this JSON schema, with no surrounding text:\n%s",
		schemaJSON)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from model")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("empty response from model")
	}
	return json.RawMessage(text), nil
}
