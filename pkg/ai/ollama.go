package ai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"

	"github.com/ollama/ollama/api"
)

// Ollama streams completions from a local or remote Ollama server.
type Ollama struct {
	model  string
	client *api.Client
}

// NewOllama builds an Ollama producer for the given host URL.
func NewOllama(host, model string) (*Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	return &Ollama{
		model:  model,
		client: api.NewClient(u, &http.Client{}),
	}, nil
}

// Stream implements TokenProducer by adapting Ollama's callback API into
// an iterator. Stopping iteration cancels the underlying request.
func (o *Ollama) Stream(ctx context.Context, systemPrompt string, turns []Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, 0, len(turns)+1)
		for _, t := range turns {
			msgs = append(msgs, api.Message{
				Role:    t.Role,
				Content: t.Content,
			})
		}
		if systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, api.Message{
				Role:    "system",
				Content: systemPrompt,
			})
		}

		stream := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &stream,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		})
		if err != nil && !stopped {
			if errors.Is(err, context.Canceled) {
				yield("", context.Canceled)
				return
			}
			yield("", fmt.Errorf("ollama chat: %w", err))
		}
	}
}
