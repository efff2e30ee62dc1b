// Package app assembles the threat-intel stack from configuration: the
// shared vector store handle, the embedding gateway, the synthesizer, the
// answering and ingestion pipelines, the NVD client and the optional graph
// and NATS connections.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/engine/embed"
	"github.com/WessleyAI/threatintel/engine/feed"
	"github.com/WessleyAI/threatintel/engine/graph"
	"github.com/WessleyAI/threatintel/engine/ingest"
	"github.com/WessleyAI/threatintel/engine/rag"
	"github.com/WessleyAI/threatintel/engine/semantic"
	"github.com/WessleyAI/threatintel/engine/synth"
	"github.com/WessleyAI/threatintel/pkg/config"
	"github.com/WessleyAI/threatintel/pkg/fn"
	"github.com/WessleyAI/threatintel/pkg/ollama"
	"github.com/WessleyAI/threatintel/pkg/resilience"
)

// App holds the wired components. Graph and NATS are nil when disabled.
type App struct {
	Config   config.Config
	Store    *semantic.Handle
	Gateway  *embed.Gateway
	RAG      *rag.Service
	Pipeline *ingest.Pipeline
	Feed     *feed.Client
	Graph    *graph.GraphStore
	NATS     *nats.Conn

	logger  *slog.Logger
	closers []func(context.Context) error
}

// Option overrides a component before wiring.
type Option func(*overrides)

type overrides struct {
	embedder embed.Embedder
	synth    synth.Synthesizer
	opener   semantic.Opener
	feed     *feed.Client
}

// WithEmbedder replaces the configured embedding backend.
func WithEmbedder(e embed.Embedder) Option { return func(o *overrides) { o.embedder = e } }

// WithSynthesizer replaces the configured synthesizer.
func WithSynthesizer(s synth.Synthesizer) Option { return func(o *overrides) { o.synth = s } }

// WithOpener replaces the configured vector store backend.
func WithOpener(open semantic.Opener) Option { return func(o *overrides) { o.opener = open } }

// WithFeed replaces the NVD client.
func WithFeed(c *feed.Client) Option { return func(o *overrides) { o.feed = c } }

// Build wires every component for cfg. Nothing remote is contacted except
// Neo4j and NATS when they are configured; the vector store opens on first use.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, logger: logger}

	embedder := o.embedder
	if embedder == nil {
		var err error
		if embedder, err = newEmbedder(cfg); err != nil {
			return nil, err
		}
	}
	a.Gateway = embed.NewGateway(embed.Guarded(embedder, newGuard("embed", cfg, logger)), embed.DefaultOptions(), logger)

	opener := o.opener
	if opener == nil {
		var err error
		if opener, err = newOpener(cfg); err != nil {
			return nil, err
		}
	}
	a.Store = semantic.NewHandle(cfg.VectorStore, semantic.Guarded(opener, newGuard("store", cfg, logger)), logger)
	a.closers = append(a.closers, func(context.Context) error { return a.Store.Close() })

	s := o.synth
	if s == nil {
		var err error
		if s, err = newSynthesizer(cfg); err != nil {
			return nil, err
		}
	}
	prompt, err := loadPrompt(cfg)
	if err != nil {
		return nil, err
	}
	a.RAG = rag.New(a.Gateway, a.Store, synth.Guarded(s, newGuard("synth", cfg, logger)),
		rag.Options{TopK: cfg.TopK, Prompt: prompt}, logger)

	a.Feed = o.feed
	if a.Feed == nil {
		a.Feed = feed.New(feed.Options{BaseURL: cfg.NVDURL, APIKey: cfg.NVDAPIKey}, logger)
	}

	deps := ingest.Deps{Embedder: a.Gateway, Store: a.Store, Logger: logger}
	if cfg.GraphEnabled() {
		driver, err := graph.Connect(ctx, cfg.Neo4jURL, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("app: neo4j: %w", err)
		}
		a.closers = append(a.closers, driver.Close)
		a.Graph = graph.New(driver)
		deps.Graph = a.Graph
		logger.Info("app: graph enabled", "url", cfg.Neo4jURL)
	}
	if cfg.EventsEnabled() {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("threatintel"))
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("app: nats: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return nc.Drain() })
		a.NATS = nc
		deps.Events = ingest.NewNATSEvents(nc)
		logger.Info("app: events enabled", "url", cfg.NATSURL)
	}
	a.Pipeline = ingest.New(deps)

	logger.Info("app: wired",
		"embedder", cfg.Embedder,
		"synthesizer", cfg.Synthesizer,
		"vector_store", cfg.VectorStore,
		"prompt", prompt.Name+"@"+prompt.Version,
	)
	return a, nil
}

// IngestRecent fetches advisories published in the request window and runs
// them through the ingestion pipeline. Feed failures yield zero records, not
// an error.
func (a *App) IngestRecent(ctx context.Context, req domain.IngestRequest) (int, error) {
	req = req.WithDefaults()
	if err := domain.ValidateIngest(req); err != nil {
		return 0, err
	}
	raws := a.Feed.FetchRecords(ctx, req.DaysBack, req.MaxResults)
	if len(raws) == 0 {
		a.logger.Info("app: feed returned nothing", "days_back", req.DaysBack)
		return 0, nil
	}
	return a.Pipeline.Ingest(ctx, raws)
}

// IngestRecords runs already-fetched raw records through the pipeline.
func (a *App) IngestRecords(ctx context.Context, raws []advisory.RawRecord) (int, error) {
	return a.Pipeline.Ingest(ctx, raws)
}

// Query answers question with the configured retrieval depth.
func (a *App) Query(ctx context.Context, question string) (*rag.Answer, error) {
	if err := domain.ValidateQuery(domain.QueryRequest{Query: question}); err != nil {
		return nil, err
	}
	return a.RAG.Query(ctx, strings.TrimSpace(question), a.Config.TopK)
}

// Close releases every connection in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newGuard(name string, cfg config.Config, logger *slog.Logger) *resilience.Guard {
	return resilience.NewGuard(resilience.GuardOpts{
		Name: name,
		Retry: fn.RetryOpts{
			MaxAttempts: cfg.RetryAttempts,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     10 * time.Second,
			Jitter:      true,
		},
	}, logger)
}

func newEmbedder(cfg config.Config) (embed.Embedder, error) {
	switch cfg.Embedder {
	case config.EmbedderOpenAI:
		return embed.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, "")
	case config.EmbedderOllama:
		model := cfg.EmbeddingModel
		// OpenAI model names mean nothing to Ollama.
		if strings.HasPrefix(model, "text-embedding-") {
			model = ""
		}
		return ollama.NewEmbedClient(cfg.OllamaURL, model), nil
	case config.EmbedderHash:
		return embed.NewHashEmbedder(cfg.VectorDims), nil
	}
	return nil, fmt.Errorf("app: unknown embedder %q", cfg.Embedder)
}

func newOpener(cfg config.Config) (semantic.Opener, error) {
	switch cfg.VectorStore {
	case config.StoreSQLite:
		return semantic.SQLiteOpener(cfg.VectorStorePath), nil
	case config.StoreQdrant:
		return semantic.QdrantOpener(cfg.QdrantAddr, cfg.QdrantCollection, cfg.VectorDims), nil
	case config.StoreMemory:
		return semantic.MemoryOpener(), nil
	}
	return nil, fmt.Errorf("app: unknown vector store %q", cfg.VectorStore)
}

func newSynthesizer(cfg config.Config) (synth.Synthesizer, error) {
	switch cfg.Synthesizer {
	case config.SynthOpenAI:
		return synth.NewOpenAI(cfg.OpenAIAPIKey, cfg.ChatModel, "")
	case config.SynthAnthropic:
		model := cfg.ChatModel
		if strings.HasPrefix(model, "gpt-") {
			model = ""
		}
		return synth.NewAnthropic(cfg.AnthropicAPIKey, model, "")
	}
	return nil, fmt.Errorf("app: unknown synthesizer %q", cfg.Synthesizer)
}

// loadPrompt prefers a prompt file on disk over the bundled versions.
func loadPrompt(cfg config.Config) (*rag.PromptTemplate, error) {
	if cfg.PromptFile != "" {
		return rag.LoadPromptFile(cfg.PromptFile)
	}
	return rag.LoadPrompt(cfg.PromptVersion)
}
