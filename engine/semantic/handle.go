// Package semantic stores advisory vectors and answers similarity queries.
// Backends are Qdrant, SQLite and in-memory; callers hold a Handle that
// opens the configured backend on first use.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/WessleyAI/threatintel/engine/domain"
)

// Backend is a concrete vector store.
type Backend interface {
	// Upsert inserts or replaces records by ID as one unit.
	Upsert(ctx context.Context, recs []Record) error
	// Query returns at most k records ranked by similarity, best first.
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Opener creates a backend. It is called at most once per Handle.
type Opener func(ctx context.Context) (Backend, error)

// Handle is the shared store handle. The backend is opened by whichever
// caller arrives first; concurrent first callers wait for that single open.
// An open failure is remembered and returned to every later caller.
type Handle struct {
	name    string
	open    Opener
	once    sync.Once
	backend Backend
	err     error
	logger  *slog.Logger
}

// NewHandle creates a Handle that will open its backend with open.
func NewHandle(name string, open Opener, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{name: name, open: open, logger: logger}
}

func (h *Handle) get(ctx context.Context) (Backend, error) {
	h.once.Do(func() {
		// The backend outlives the request that happened to open it.
		b, err := h.open(context.WithoutCancel(ctx))
		if err != nil {
			h.err = domain.Wrap("semantic: open "+h.name, domain.ErrStoreUnavailable, err)
			h.logger.Error("semantic: open failed", "backend", h.name, "err", err)
			return
		}
		h.backend = b
		h.logger.Info("semantic: backend opened", "backend", h.name)
	})
	return h.backend, h.err
}

// Upsert stores recs, replacing any existing entry with the same ID.
func (h *Handle) Upsert(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	for i, r := range recs {
		if r.ID == "" {
			return fmt.Errorf("semantic: upsert: record %d has no id", i)
		}
	}
	b, err := h.get(ctx)
	if err != nil {
		return err
	}
	if err := b.Upsert(ctx, recs); err != nil {
		return domain.Wrap("semantic: upsert", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Query returns at most k matches, most similar first, with Rank set from
// 0. An empty store yields an empty slice.
func (h *Handle) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}
	b, err := h.get(ctx)
	if err != nil {
		return nil, err
	}
	ms, err := b.Query(ctx, vector, k)
	if err != nil {
		return nil, domain.Wrap("semantic: query", domain.ErrStoreUnavailable, err)
	}
	if len(ms) > k {
		ms = ms[:k]
	}
	out := make([]Match, len(ms))
	for i, m := range ms {
		m.Rank = i
		out[i] = m
	}
	return out, nil
}

// Count returns the number of stored advisories.
func (h *Handle) Count(ctx context.Context) (int, error) {
	b, err := h.get(ctx)
	if err != nil {
		return 0, err
	}
	n, err := b.Count(ctx)
	if err != nil {
		return 0, domain.Wrap("semantic: count", domain.ErrStoreUnavailable, err)
	}
	return n, nil
}

// Close closes the backend if it was opened.
func (h *Handle) Close() error {
	h.once.Do(func() { h.err = domain.Wrap("semantic: "+h.name, domain.ErrStoreUnavailable, errClosed) })
	if h.backend == nil {
		return nil
	}
	return h.backend.Close()
}
