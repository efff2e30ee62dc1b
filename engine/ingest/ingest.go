// Package ingest runs raw feed records through normalization, embedding and
// vector-store upsert, then fans the stored advisories out to the graph and
// to subscribers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/engine/semantic"
	"github.com/WessleyAI/threatintel/pkg/fn"
)

// Embedder embeds a batch of texts, one vector per text, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store upserts records keyed by advisory ID.
type Store interface {
	Upsert(ctx context.Context, recs []semantic.Record) error
}

// GraphWriter mirrors stored advisories into the advisory graph.
type GraphWriter interface {
	SaveAdvisories(ctx context.Context, advisories []advisory.Advisory) error
}

// EventSink is told about every successful batch.
type EventSink interface {
	Ingested(ctx context.Context, ev IngestedEvent) error
}

// Deps holds the collaborators of the pipeline. Graph and Events are optional.
type Deps struct {
	Embedder Embedder
	Store    Store
	Graph    GraphWriter
	Events   EventSink
	Logger   *slog.Logger
}

// FailedRecord is a record IngestIsolated skipped.
type FailedRecord struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Report is the outcome of IngestIsolated.
type Report struct {
	Count  int            `json:"count"`
	Failed []FailedRecord `json:"failed"`
}

// Embedded pairs advisories with their vectors, index for index.
type Embedded struct {
	Advisories []advisory.Advisory
	Vectors    [][]float32
}

// --- Pipeline Stages ---

// Normalize converts the whole batch, failing on the first bad record.
var Normalize fn.Stage[[]advisory.RawRecord, []advisory.Advisory] = fn.LiftStage(
	func(_ context.Context, raws []advisory.RawRecord) ([]advisory.Advisory, error) {
		return advisory.NormalizeAll(raws)
	})

// Dedupe keeps the last occurrence of each advisory ID, since a later
// record in the batch overwrites an earlier one in the store.
var Dedupe fn.Stage[[]advisory.Advisory, []advisory.Advisory] = fn.MapStage(latestByID)

func latestByID(advs []advisory.Advisory) []advisory.Advisory {
	remaining := make(map[string]int, len(advs))
	for _, a := range advs {
		remaining[a.ID]++
	}
	if len(remaining) == len(advs) {
		return advs
	}
	return fn.Filter(advs, func(a advisory.Advisory) bool {
		remaining[a.ID]--
		return remaining[a.ID] == 0
	})
}

// NewEmbed creates a stage that embeds every searchable text as one batch.
func NewEmbed(e Embedder) fn.Stage[[]advisory.Advisory, Embedded] {
	return func(ctx context.Context, advs []advisory.Advisory) fn.Result[Embedded] {
		texts := fn.Map(advs, advisory.Advisory.SearchableText)
		vecs, err := e.EmbedBatch(ctx, texts)
		if err != nil {
			return fn.Err[Embedded](domain.Wrap("ingest: embed", domain.ErrEmbeddingUnavailable, err))
		}
		if len(vecs) != len(advs) {
			return fn.Err[Embedded](domain.Wrap("ingest: embed", domain.ErrEmbeddingUnavailable,
				fmt.Errorf("got %d vectors for %d advisories", len(vecs), len(advs))))
		}
		return fn.Ok(Embedded{Advisories: advs, Vectors: vecs})
	}
}

// NewStore creates a stage that upserts every advisory in one store call.
func NewStore(s Store) fn.Stage[Embedded, []advisory.Advisory] {
	return func(ctx context.Context, doc Embedded) fn.Result[[]advisory.Advisory] {
		records := fn.MapIndexed(doc.Advisories, func(i int, a advisory.Advisory) semantic.Record {
			return semantic.Record{
				ID:        a.ID,
				Vector:    doc.Vectors[i],
				Severity:  a.Severity,
				Score:     a.Score,
				Published: a.Published,
				Text:      a.SearchableText(),
			}
		})
		if err := s.Upsert(ctx, records); err != nil {
			return fn.Err[[]advisory.Advisory](domain.Wrap("ingest: upsert", domain.ErrStoreUnavailable, err))
		}
		return fn.Ok(doc.Advisories)
	}
}

// LoggedTap returns a pass-through stage that logs entry into stage name.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(context.Context, T) {
		log.Debug("stage.enter", "stage", name)
	})
}

// Pipeline is the ingestion pipeline.
type Pipeline struct {
	deps   Deps
	log    *slog.Logger
	full   fn.Stage[[]advisory.RawRecord, []advisory.Advisory]
	stored fn.Stage[[]advisory.Advisory, []advisory.Advisory]
}

// New wires the pipeline stages: Normalize → Dedupe → Embed → Store.
func New(deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	embedStage := fn.TracedStage("ingest.embed", fn.Then(LoggedTap[[]advisory.Advisory]("embed", log), NewEmbed(deps.Embedder)))
	storeStage := fn.TracedStage("ingest.store", fn.Then(LoggedTap[Embedded]("store", log), NewStore(deps.Store)))
	stored := fn.Then(Dedupe, fn.Then(embedStage, storeStage))

	normalized := fn.TracedStage("ingest.normalize", fn.Then(LoggedTap[[]advisory.RawRecord]("normalize", log), Normalize))

	return &Pipeline{
		deps:   deps,
		log:    log,
		full:   fn.Then(normalized, stored),
		stored: stored,
	}
}

// Ingest normalizes, embeds and stores raws as one batch and returns the
// number of distinct advisories upserted. Any failure aborts the batch; empty input
// returns 0 without calling a collaborator.
func (p *Pipeline) Ingest(ctx context.Context, raws []advisory.RawRecord) (int, error) {
	if len(raws) == 0 {
		return 0, nil
	}
	advs, err := p.full(ctx, raws).Unwrap()
	if err != nil {
		p.log.Error("ingest: batch failed", "records", len(raws), "err", err)
		return 0, err
	}
	p.after(ctx, advs)
	p.log.Info("ingest: batch stored", "count", len(advs))
	return len(advs), nil
}

// IngestIsolated is Ingest with per-record normalization: records that fail
// to normalize are reported in Failed and the rest are still stored.
// Embedding and store failures still fail the call.
func (p *Pipeline) IngestIsolated(ctx context.Context, raws []advisory.RawRecord) (Report, error) {
	report := Report{Failed: []FailedRecord{}}
	good := make([]advisory.Advisory, 0, len(raws))
	for i, raw := range raws {
		a, err := advisory.Normalize(raw)
		if err != nil {
			var ne *domain.NormalizationError
			if errors.As(err, &ne) {
				cp := *ne
				cp.Index = i
				err = &cp
			}
			report.Failed = append(report.Failed, FailedRecord{Index: i, ID: raw.ID, Reason: err.Error(), Err: err})
			continue
		}
		good = append(good, a)
	}
	if len(report.Failed) > 0 {
		p.log.Warn("ingest: skipped records", "failed", len(report.Failed), "records", len(raws))
	}
	if len(good) == 0 {
		return report, nil
	}

	advs, err := p.stored(ctx, good).Unwrap()
	if err != nil {
		p.log.Error("ingest: batch failed", "records", len(good), "err", err)
		return report, err
	}
	p.after(ctx, advs)
	report.Count = len(advs)
	return report, nil
}

// after runs the optional post-store writes. Their failures are logged only.
func (p *Pipeline) after(ctx context.Context, advs []advisory.Advisory) {
	if p.deps.Graph != nil {
		if err := p.deps.Graph.SaveAdvisories(ctx, advs); err != nil {
			p.log.Warn("ingest: graph write failed", "count", len(advs), "err", err)
		}
	}
	if p.deps.Events != nil {
		ev := IngestedEvent{
			IDs:   fn.Map(advs, func(a advisory.Advisory) string { return a.ID }),
			Count: len(advs),
			At:    time.Now().UTC(),
		}
		if err := p.deps.Events.Ingested(ctx, ev); err != nil {
			p.log.Warn("ingest: event publish failed", "err", err)
		}
	}
}
