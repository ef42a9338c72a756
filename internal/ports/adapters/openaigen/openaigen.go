// Package openaigen generates internal summaries through an
// OpenAI-compatible chat completion endpoint.
package openaigen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"sumcut/internal/ports"
)

const systemPrompt = "You summarize a video from aligned scene captions and dialogue. " +
	"Return strictly valid JSON (no markdown, no code fences) with keys: " +
	`"title", "plot_summary", "moral_lesson", ` +
	`"evidence" (array of {"claim","timestamps"}) and "quality_flags" (array of strings). ` +
	"Every evidence timestamp must be copied verbatim from the context. " +
	"Base every claim only on the provided context."

// Generator calls a chat completion API and returns the raw JSON content.
type Generator struct {
	client openai.Client
	model  string
}

// New builds a Generator. baseURL may be empty for the default endpoint.
func New(apiKey, baseURL, model string) *Generator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Generator{client: openai.NewClient(opts...), model: model}
}

func (g *Generator) Name() string { return "api" }

func (g *Generator) Generate(ctx context.Context, prompt string, params ports.GenerationParams) (string, error) {
	req := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Model:       g.model,
		Seed:        openai.Int(int64(params.Seed)),
		Temperature: openai.Float(params.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}
	if params.MaxNewTokens > 0 {
		req.MaxTokens = openai.Int(int64(params.MaxNewTokens))
	}
	if !params.DoSample {
		req.Temperature = openai.Float(0)
	}

	resp, err := g.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("model returned empty content")
	}
	return content, nil
}
