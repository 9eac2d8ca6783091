package port

import (
	"context"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
)

// AIProvider abstracts the LLM backend used by the AI generators.
// Implementations can target Ollama, OpenAI, or any compatible API.
type AIProvider interface {
	// ModelName returns the identifier of the model being used.
	ModelName() string

	// Chat sends a prompt with optional context chunks and returns the LLM response.
	Chat(ctx context.Context, systemPrompt string, userPrompt string, contextChunks []string) (string, error)
}

// AIProviderRegistry holds AIProvider implementations keyed by name.
type AIProviderRegistry map[string]AIProvider

type generatorKindKey struct{}

// WithGeneratorKind tags ctx with the generator kind making the call, so
// providers can attribute token usage.
func WithGeneratorKind(ctx context.Context, kind domain.GeneratorKind) context.Context {
	return context.WithValue(ctx, generatorKindKey{}, kind)
}

// GeneratorKindFrom returns the kind set by WithGeneratorKind, or "" when unset.
func GeneratorKindFrom(ctx context.Context) domain.GeneratorKind {
	kind, _ := ctx.Value(generatorKindKey{}).(domain.GeneratorKind)
	return kind
}
