package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams chat completions from OpenAI or any compatible endpoint
// (vLLM, LiteLLM, OpenRouter, self-hosted models).
type OpenAI struct {
	model  string
	client *goopenai.Client
}

// NewOpenAI builds an OpenAI producer. baseURL overrides the API host
// and can be empty for the official endpoint.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		model:  model,
		client: goopenai.NewClientWithConfig(cfg),
	}
}

// Stream implements TokenProducer over the chat completions stream API.
func (o *OpenAI) Stream(ctx context.Context, systemPrompt string, turns []Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]goopenai.ChatCompletionMessage, 0, len(turns)+1)
		for _, t := range turns {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    t.Role,
				Content: t.Content,
			})
		}
		if systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: systemPrompt,
			})
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   true,
		})
		if err != nil {
			yield("", fmt.Errorf("openai stream request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					yield("", context.Canceled)
					return
				}
				yield("", fmt.Errorf("openai stream recv: %w", err))
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}
