// Package synth turns a rendered prompt into answer text using a hosted
// language model.
package synth

import (
	"context"

	"github.com/WessleyAI/threatintel/pkg/resilience"
)

// Prompt is a two-part prompt: a system instruction and one user turn.
type Prompt struct {
	System string
	User   string
}

// Synthesizer produces answer text. The text is opaque to callers.
type Synthesizer interface {
	Synthesize(ctx context.Context, p Prompt) (string, error)
}

// Func adapts a function to Synthesizer.
type Func func(ctx context.Context, p Prompt) (string, error)

func (f Func) Synthesize(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

type guarded struct {
	next  Synthesizer
	guard *resilience.Guard
}

// Guarded wraps s so every call goes through g.
func Guarded(s Synthesizer, g *resilience.Guard) Synthesizer {
	if g == nil {
		return s
	}
	return &guarded{next: s, guard: g}
}

func (s *guarded) Synthesize(ctx context.Context, p Prompt) (string, error) {
	return resilience.Do(ctx, s.guard, func(ctx context.Context) (string, error) {
		return s.next.Synthesize(ctx, p)
	})
}
