package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrNoCompletion is returned when the model produced no text.
var ErrNoCompletion = errors.New("provider: model returned no completion")

// TextGenerator produces free text, used for campaign scripts.
type TextGenerator interface {
	GenerateText(ctx context.Context, system, prompt string) (string, error)
}

// OpenAIText generates text through the OpenAI chat completions API.
type OpenAIText struct {
	client *openai.Client
	model  string
}

// NewOpenAIText creates a text generator. An empty model selects gpt-4o-mini.
// baseURL overrides the API endpoint when non-empty.
func NewOpenAIText(apiKey, model, baseURL string) *OpenAIText {
	if model == "" {
		model = "gpt-4o-mini"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIText{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *OpenAIText) GenerateText(ctx context.Context, system, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("provider: openai completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrNoCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

var _ TextGenerator = (*OpenAIText)(nil)
