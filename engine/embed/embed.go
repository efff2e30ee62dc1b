// Package embed turns text into vectors through a pluggable embedding
// capability, handling batching and chunking of long texts.
package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/pkg/fn"
)

const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
	DefaultBatchSize    = 100
)

// Embedder is the external text-to-vector capability. Implementations must
// return exactly one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// Options configures the gateway.
type Options struct {
	ChunkSize    int // runes per chunk
	ChunkOverlap int // runes shared by consecutive chunks
	BatchSize    int // texts per capability call
}

// DefaultOptions returns the standard chunking and batching settings.
func DefaultOptions() Options {
	return Options{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		BatchSize:    DefaultBatchSize,
	}
}

// Gateway produces one vector per input text. Texts longer than ChunkSize
// are split into overlapping chunks whose vectors are mean-pooled.
type Gateway struct {
	embedder Embedder
	opts     Options
	logger   *slog.Logger
}

// NewGateway creates a Gateway. Non-positive sizes take defaults; an overlap
// that does not fit inside a chunk is clamped.
func NewGateway(e Embedder, opts Options, logger *slog.Logger) *Gateway {
	d := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = d.ChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = min(d.ChunkOverlap, opts.ChunkSize-1)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{embedder: e, opts: opts, logger: logger}
}

// EmbedOne embeds a single text.
func (g *Gateway) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order. Any capability failure fails the whole
// call with domain.ErrEmbeddingUnavailable.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var chunks []string
	owners := make([]int, 0, len(texts))
	for i, text := range texts {
		parts := Split(text, g.opts.ChunkSize, g.opts.ChunkOverlap)
		chunks = append(chunks, parts...)
		for range parts {
			owners = append(owners, i)
		}
	}

	vectors := make([][]float32, 0, len(chunks))
	for _, batch := range fn.Chunk(chunks, g.opts.BatchSize) {
		out, err := g.embedder.Embed(ctx, batch)
		if err != nil {
			return nil, domain.Wrap("embed: batch", domain.ErrEmbeddingUnavailable, err)
		}
		if len(out) != len(batch) {
			return nil, domain.Wrap("embed: batch", domain.ErrEmbeddingUnavailable,
				fmt.Errorf("got %d vectors for %d texts", len(out), len(batch)))
		}
		vectors = append(vectors, out...)
	}

	if len(chunks) > len(texts) {
		g.logger.Debug("embed: chunked long texts", "texts", len(texts), "chunks", len(chunks))
	}
	return pool(vectors, owners, len(texts)), nil
}

// pool groups chunk vectors by owning text. Single-chunk texts keep their
// vector as returned; multi-chunk texts get the L2-normalized mean.
func pool(vectors [][]float32, owners []int, n int) [][]float32 {
	groups := make([][][]float32, n)
	for i, v := range vectors {
		groups[owners[i]] = append(groups[owners[i]], v)
	}
	return fn.Map(groups, func(g [][]float32) []float32 {
		if len(g) == 1 {
			return g[0]
		}
		return Normalize(Mean(g))
	})
}
