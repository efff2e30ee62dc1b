package embed

import (
	"context"

	"github.com/WessleyAI/threatintel/pkg/resilience"
)

type guarded struct {
	next  Embedder
	guard *resilience.Guard
}

// Guarded wraps e so every capability call goes through g.
func Guarded(e Embedder, g *resilience.Guard) Embedder {
	if g == nil {
		return e
	}
	return &guarded{next: e, guard: g}
}

func (e *guarded) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return resilience.Do(ctx, e.guard, func(ctx context.Context) ([][]float32, error) {
		return e.next.Embed(ctx, texts)
	})
}
