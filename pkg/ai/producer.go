// Package ai abstracts LLM providers as ordered delta producers.
package ai

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
)

// Turn is one prior conversation turn handed to a provider.
type Turn struct {
	Role    string
	Content string
}

// TokenProducer yields an ordered sequence of text deltas terminated by
// normal iterator completion or a yielded error. Implementations must
// honor ctx cancellation promptly; a canceled context ends the sequence
// with context.Canceled.
type TokenProducer interface {
	Stream(ctx context.Context, systemPrompt string, turns []Turn) iter.Seq2[string, error]
}

// Registry selects a TokenProducer by provider name.
type Registry struct {
	producers map[string]TokenProducer
	fallback  string
}

// NewRegistry builds a registry; fallback names the producer used when a
// request does not specify one.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		producers: make(map[string]TokenProducer),
		fallback:  fallback,
	}
}

// Register adds a named producer.
func (r *Registry) Register(name string, p TokenProducer) {
	r.producers[strings.ToLower(strings.TrimSpace(name))] = p
}

// Producer resolves a provider name, falling back to the default.
func (r *Registry) Producer(name string) (TokenProducer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = r.fallback
	}
	p, ok := r.producers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (have %s)", name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.producers))
	for name := range r.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
