package semantic

import (
	"context"

	"github.com/WessleyAI/threatintel/pkg/resilience"
)

type guarded struct {
	Backend
	guard *resilience.Guard
}

// Guarded wraps the opener so the backend's Upsert and Query calls go
// through g. Count and Close are not guarded.
func Guarded(open Opener, g *resilience.Guard) Opener {
	if g == nil {
		return open
	}
	return func(ctx context.Context) (Backend, error) {
		b, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return &guarded{Backend: b, guard: g}, nil
	}
}

func (s *guarded) Upsert(ctx context.Context, recs []Record) error {
	_, err := resilience.Do(ctx, s.guard, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.Backend.Upsert(ctx, recs)
	})
	return err
}

func (s *guarded) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	return resilience.Do(ctx, s.guard, func(ctx context.Context) ([]Match, error) {
		return s.Backend.Query(ctx, vector, k)
	})
}
