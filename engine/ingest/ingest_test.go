package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/engine/semantic"
)

// --- mocks ---

type mockEmbedder struct {
	calls int
	texts []string
	err   error
	short bool
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	m.texts = append(m.texts, texts...)
	if m.err != nil {
		return nil, m.err
	}
	n := len(texts)
	if m.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(i + 1), 1}
	}
	return out, nil
}

type mockStore struct {
	calls   int
	records []semantic.Record
	err     error
}

func (m *mockStore) Upsert(_ context.Context, recs []semantic.Record) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, recs...)
	return nil
}

type mockGraph struct {
	saved []advisory.Advisory
	err   error
}

func (m *mockGraph) SaveAdvisories(_ context.Context, advs []advisory.Advisory) error {
	m.saved = append(m.saved, advs...)
	return m.err
}

type mockEvents struct {
	events []IngestedEvent
	err    error
}

func (m *mockEvents) Ingested(_ context.Context, ev IngestedEvent) error {
	m.events = append(m.events, ev)
	return m.err
}

type capturePublisher struct {
	msgs []*nats.Msg
}

func (c *capturePublisher) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *capturePublisher) on(subject string) []*nats.Msg {
	var out []*nats.Msg
	for _, m := range c.msgs {
		if m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func raw(id, summary, severity string, score float64) advisory.RawRecord {
	r := advisory.RawRecord{
		ID:           id,
		Published:    "2024-01-01T00:00:00.000",
		Descriptions: []advisory.Description{{Lang: "en", Value: summary}},
	}
	if severity != "" {
		r.Metrics.V31 = []advisory.Metric{{CVSSData: advisory.CVSSData{BaseScore: &score, BaseSeverity: severity}}}
	}
	return r
}

// --- Ingest ---

func TestIngestStoresBatch(t *testing.T) {
	emb, store := &mockEmbedder{}, &mockStore{}
	p := New(Deps{Embedder: emb, Store: store})

	n, err := p.Ingest(context.Background(), []advisory.RawRecord{
		raw("CVE-2024-0001", "Buffer overflow in X", "HIGH", 8.8),
		raw("CVE-2024-0002", "", "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("count = %d", n)
	}
	if emb.calls != 1 || store.calls != 1 {
		t.Fatalf("embed calls = %d, store calls = %d", emb.calls, store.calls)
	}
	if emb.texts[0] != "CVE-2024-0001: Buffer overflow in X" {
		t.Fatalf("embedded %q", emb.texts[0])
	}
	got := store.records[1]
	if got.ID != "CVE-2024-0002" || got.Severity != advisory.SeverityUnknown || got.Score != 0 ||
		got.Text != "CVE-2024-0002: "+advisory.NoDescription || got.Vector[0] != 2 {
		t.Fatalf("record = %+v", got)
	}
	if store.records[0].Published != "2024-01-01T00:00:00.000" {
		t.Fatalf("published = %q", store.records[0].Published)
	}
}

func TestIngestCountsDistinctIDs(t *testing.T) {
	emb, store, g := &mockEmbedder{}, &mockStore{}, &mockGraph{}
	p := New(Deps{Embedder: emb, Store: store, Graph: g})

	n, err := p.Ingest(context.Background(), []advisory.RawRecord{
		raw("CVE-2024-0001", "first version", "LOW", 2),
		raw("CVE-2024-0002", "SQL injection", "MEDIUM", 5),
		raw("CVE-2024-0001", "second version", "HIGH", 8.8),
	})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(emb.texts) != 2 || len(store.records) != 2 || len(g.saved) != 2 {
		t.Fatalf("texts=%d records=%d saved=%d", len(emb.texts), len(store.records), len(g.saved))
	}
	if store.records[0].ID != "CVE-2024-0002" || store.records[1].ID != "CVE-2024-0001" ||
		store.records[1].Severity != "HIGH" || store.records[1].Text != "CVE-2024-0001: second version" {
		t.Fatalf("records = %+v", store.records)
	}

	report, err := p.IngestIsolated(context.Background(), []advisory.RawRecord{
		raw("CVE-2024-0003", "a", "", 0),
		raw("CVE-2024-0003", "b", "", 0),
	})
	if err != nil || report.Count != 1 {
		t.Fatalf("report=%+v err=%v", report, err)
	}
}

func TestIngestEmptyInput(t *testing.T) {
	emb, store, g, ev := &mockEmbedder{}, &mockStore{}, &mockGraph{}, &mockEvents{}
	p := New(Deps{Embedder: emb, Store: store, Graph: g, Events: ev})

	n, err := p.Ingest(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if emb.calls != 0 || store.calls != 0 || len(g.saved) != 0 || len(ev.events) != 0 {
		t.Fatal("empty input must not call any collaborator")
	}
}

func TestIngestNormalizationFailureAbortsBatch(t *testing.T) {
	emb, store := &mockEmbedder{}, &mockStore{}
	p := New(Deps{Embedder: emb, Store: store})

	_, err := p.Ingest(context.Background(), []advisory.RawRecord{
		raw("CVE-1", "ok", "LOW", 2),
		{Published: "2024-01-01"},
	})
	if !errors.Is(err, domain.ErrNormalization) {
		t.Fatalf("got %v", err)
	}
	var ne *domain.NormalizationError
	if !errors.As(err, &ne) || ne.Index != 1 {
		t.Fatalf("index not reported: %v", err)
	}
	if emb.calls != 0 || store.calls != 0 {
		t.Fatal("nothing may be embedded or stored after a normalization failure")
	}
}

func TestIngestEmbeddingFailure(t *testing.T) {
	cause := errors.New("quota exceeded")
	store := &mockStore{}
	p := New(Deps{Embedder: &mockEmbedder{err: cause}, Store: store})

	_, err := p.Ingest(context.Background(), []advisory.RawRecord{raw("CVE-1", "x", "", 0)})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("got %v", err)
	}
	if store.calls != 0 {
		t.Fatal("store called after embedding failure")
	}
}

func TestIngestVectorCountMismatch(t *testing.T) {
	p := New(Deps{Embedder: &mockEmbedder{short: true}, Store: &mockStore{}})
	_, err := p.Ingest(context.Background(), []advisory.RawRecord{raw("CVE-1", "x", "", 0), raw("CVE-2", "y", "", 0)})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("got %v", err)
	}
}

func TestIngestStoreFailure(t *testing.T) {
	g := &mockGraph{}
	p := New(Deps{Embedder: &mockEmbedder{}, Store: &mockStore{err: errors.New("disk full")}, Graph: g})

	_, err := p.Ingest(context.Background(), []advisory.RawRecord{raw("CVE-1", "x", "", 0)})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("got %v", err)
	}
	if len(g.saved) != 0 {
		t.Fatal("graph written for a batch that was not stored")
	}
}

func TestIngestSideEffects(t *testing.T) {
	g, ev := &mockGraph{}, &mockEvents{}
	p := New(Deps{Embedder: &mockEmbedder{}, Store: &mockStore{}, Graph: g, Events: ev})

	if _, err := p.Ingest(context.Background(), []advisory.RawRecord{raw("CVE-1", "x", "HIGH", 7.5)}); err != nil {
		t.Fatal(err)
	}
	if len(g.saved) != 1 || g.saved[0].Severity != "HIGH" {
		t.Fatalf("graph = %+v", g.saved)
	}
	if len(ev.events) != 1 || ev.events[0].Count != 1 || ev.events[0].IDs[0] != "CVE-1" {
		t.Fatalf("events = %+v", ev.events)
	}
}

func TestIngestSideEffectFailuresAreNotFatal(t *testing.T) {
	p := New(Deps{
		Embedder: &mockEmbedder{},
		Store:    &mockStore{},
		Graph:    &mockGraph{err: errors.New("neo4j down")},
		Events:   &mockEvents{err: errors.New("nats down")},
	})
	n, err := p.Ingest(context.Background(), []advisory.RawRecord{raw("CVE-1", "x", "", 0)})
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

// --- IngestIsolated ---

func TestIngestIsolatedSkipsBadRecords(t *testing.T) {
	store := &mockStore{}
	p := New(Deps{Embedder: &mockEmbedder{}, Store: store})

	report, err := p.IngestIsolated(context.Background(), []advisory.RawRecord{
		raw("CVE-1", "a", "", 0),
		{ID: "  "},
		raw("CVE-3", "c", "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Count != 2 || len(store.records) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0].Index != 1 {
		t.Fatalf("failed = %+v", report.Failed)
	}
	if !errors.Is(report.Failed[0].Err, domain.ErrNormalization) {
		t.Fatalf("failure kind = %v", report.Failed[0].Err)
	}
}

func TestIngestIsolatedAllBad(t *testing.T) {
	emb := &mockEmbedder{}
	p := New(Deps{Embedder: emb, Store: &mockStore{}})
	report, err := p.IngestIsolated(context.Background(), []advisory.RawRecord{{}, {}})
	if err != nil || report.Count != 0 || len(report.Failed) != 2 {
		t.Fatalf("report=%+v err=%v", report, err)
	}
	if emb.calls != 0 {
		t.Fatal("embedder called with nothing to embed")
	}
}

func TestIngestIsolatedEmpty(t *testing.T) {
	report, err := New(Deps{Embedder: &mockEmbedder{}, Store: &mockStore{}}).IngestIsolated(context.Background(), nil)
	if err != nil || report.Count != 0 || report.Failed == nil {
		t.Fatalf("report=%+v err=%v", report, err)
	}
}

// --- Consumer ---

func ingestMsg(t *testing.T, retries string, records ...advisory.RawRecord) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(IngestMessage{Records: records})
	if err != nil {
		t.Fatal(err)
	}
	msg := &nats.Msg{Subject: IngestSubject, Data: data}
	if retries != "" {
		msg.Header = nats.Header{}
		msg.Header.Set(RetryHeader, retries)
	}
	return msg
}

func TestConsumerSuccess(t *testing.T) {
	store, pub := &mockStore{}, &capturePublisher{}
	c := NewConsumer(New(Deps{Embedder: &mockEmbedder{}, Store: store}), pub, nil)

	c.Handle(ingestMsg(t, "", raw("CVE-1", "a", "", 0)))
	if len(store.records) != 1 {
		t.Fatalf("stored %d", len(store.records))
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("unexpected publishes: %d", len(pub.msgs))
	}
}

func TestConsumerDeadLettersBadRecords(t *testing.T) {
	store, pub := &mockStore{}, &capturePublisher{}
	c := NewConsumer(New(Deps{Embedder: &mockEmbedder{}, Store: store}), pub, nil)

	c.Handle(ingestMsg(t, "", raw("CVE-1", "a", "", 0), advisory.RawRecord{Published: "x"}))
	if len(store.records) != 1 {
		t.Fatalf("good record not stored: %d", len(store.records))
	}
	dlq := pub.on(DLQSubject)
	if len(dlq) != 1 {
		t.Fatalf("dlq = %d", len(dlq))
	}
	var m DeadLetter
	if err := json.Unmarshal(dlq[0].Data, &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Records) != 1 || m.Records[0].Published != "x" || len(m.Failed) != 1 {
		t.Fatalf("dlq message = %+v", m)
	}
}

func TestConsumerRetriesOnCollaboratorFailure(t *testing.T) {
	pub := &capturePublisher{}
	c := NewConsumer(New(Deps{Embedder: &mockEmbedder{err: errors.New("down")}, Store: &mockStore{}}), pub, nil)

	c.Handle(ingestMsg(t, "1", raw("CVE-1", "a", "", 0), advisory.RawRecord{}))

	retries := pub.on(IngestSubject)
	if len(retries) != 1 {
		t.Fatalf("retries published = %d", len(retries))
	}
	if got := retries[0].Header.Get(RetryHeader); got != "2" {
		t.Fatalf("retry header = %q", got)
	}
	var m IngestMessage
	if err := json.Unmarshal(retries[0].Data, &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Records) != 1 || m.Records[0].ID != "CVE-1" {
		t.Fatalf("retry should carry only the normalizable records: %+v", m.Records)
	}
}

func TestConsumerDeadLettersAfterMaxRetries(t *testing.T) {
	pub := &capturePublisher{}
	c := NewConsumer(New(Deps{Embedder: &mockEmbedder{}, Store: &mockStore{err: errors.New("down")}}), pub, nil)

	c.Handle(ingestMsg(t, "2", raw("CVE-1", "a", "", 0)))

	if len(pub.on(IngestSubject)) != 0 {
		t.Fatal("must not retry past MaxRetries")
	}
	dlq := pub.on(DLQSubject)
	if len(dlq) != 1 {
		t.Fatalf("dlq = %d", len(dlq))
	}
	var m DeadLetter
	if err := json.Unmarshal(dlq[0].Data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Retries != MaxRetries || len(m.Records) != 1 {
		t.Fatalf("dlq message = %+v", m)
	}
}

func TestConsumerDropsMalformed(t *testing.T) {
	store, pub := &mockStore{}, &capturePublisher{}
	c := NewConsumer(New(Deps{Embedder: &mockEmbedder{}, Store: store}), pub, nil)
	c.Handle(&nats.Msg{Subject: IngestSubject, Data: []byte("{oops")})
	if store.calls != 0 || len(pub.msgs) != 0 {
		t.Fatal("malformed message should be dropped")
	}
}

func TestNATSEventsPublish(t *testing.T) {
	pub := &capturePublisher{}
	if err := NewNATSEvents(pub).Ingested(context.Background(), IngestedEvent{IDs: []string{"CVE-1"}, Count: 1}); err != nil {
		t.Fatal(err)
	}
	msgs := pub.on(EventSubject)
	if len(msgs) != 1 {
		t.Fatalf("events = %d", len(msgs))
	}
	var ev IngestedEvent
	if err := json.Unmarshal(msgs[0].Data, &ev); err != nil || ev.Count != 1 {
		t.Fatalf("ev=%+v err=%v", ev, err)
	}
}

func TestPendingRecords(t *testing.T) {
	recs := []advisory.RawRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := pendingRecords(recs, []FailedRecord{{Index: 1}})
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("got %+v", got)
	}
}
