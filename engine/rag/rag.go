// Package rag answers questions from stored advisories: it embeds the
// question, retrieves the closest advisories, renders them as context for
// the synthesizer and returns the answer with every retrieved advisory as a
// citation.
package rag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/engine/semantic"
	"github.com/WessleyAI/threatintel/engine/synth"
)

// NoResultsAnswer is returned when the store has nothing relevant.
const NoResultsAnswer = "I couldn't find any relevant threat intelligence for your query."

// DefaultTopK is the number of advisories retrieved per question.
const DefaultTopK = 5

// QueryEmbedder embeds a single question.
type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Retriever runs a similarity query.
type Retriever interface {
	Query(ctx context.Context, vector []float32, k int) ([]semantic.Match, error)
}

// Options configures the pipeline.
type Options struct {
	TopK   int
	Prompt *PromptTemplate
}

// DefaultOptions returns the bundled prompt and the default retrieval depth.
func DefaultOptions() (Options, error) {
	p, err := LoadPrompt(DefaultPromptVersion)
	if err != nil {
		return Options{}, err
	}
	return Options{TopK: DefaultTopK, Prompt: p}, nil
}

// bundledPrompt panics if the embedded default prompt does not parse.
var bundledPrompt = sync.OnceValue(func() *PromptTemplate {
	p, err := LoadPrompt(DefaultPromptVersion)
	if err != nil {
		panic(err)
	}
	return p
})

// Service is the retrieval-answer pipeline.
type Service struct {
	embed  QueryEmbedder
	store  Retriever
	synth  synth.Synthesizer
	opts   Options
	logger *slog.Logger
}

// Answer is the synthesized text plus the advisories it was built from.
type Answer struct {
	Text    string     `json:"answer"`
	Sources []Citation `json:"sources"`
}

// Citation identifies one retrieved advisory.
type Citation struct {
	AdvisoryID string  `json:"cveId"`
	Severity   string  `json:"severity"`
	Score      float64 `json:"cvssScore"`
}

// New creates a Service. A nil opts.Prompt uses the bundled prompt.
func New(embed QueryEmbedder, store Retriever, s synth.Synthesizer, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Prompt == nil {
		opts.Prompt = bundledPrompt()
	}
	return &Service{embed: embed, store: store, synth: s, opts: opts, logger: logger}
}

// Query answers question from the k most similar advisories; k <= 0 uses the
// configured default. An empty retrieval is a successful answer with no
// sources and no synthesizer call.
func (s *Service) Query(ctx context.Context, question string, k int) (*Answer, error) {
	if k <= 0 {
		k = s.opts.TopK
	}
	start := time.Now()
	s.logger.Info("rag: query start", "question_len", len(question), "k", k)

	vec, err := s.embed.EmbedOne(ctx, question)
	if err != nil {
		return nil, domain.Wrap("rag: embed query", domain.ErrEmbeddingUnavailable, err)
	}

	matches, err := s.store.Query(ctx, vec, k)
	if err != nil {
		return nil, domain.Wrap("rag: retrieve", domain.ErrStoreUnavailable, err)
	}
	s.logger.Info("rag: retrieval done", "matches", len(matches))

	if len(matches) == 0 {
		return &Answer{Text: NoResultsAnswer, Sources: []Citation{}}, nil
	}

	prompt, err := s.opts.Prompt.Render(AssembleContext(matches), question)
	if err != nil {
		return nil, err
	}

	text, err := s.synth.Synthesize(ctx, prompt)
	if err != nil {
		return nil, domain.Wrap("rag: synthesize", domain.ErrSynthesisUnavailable, err)
	}

	s.logger.Info("rag: query done", "sources", len(matches), "duration", time.Since(start))
	return &Answer{Text: text, Sources: Citations(matches)}, nil
}
