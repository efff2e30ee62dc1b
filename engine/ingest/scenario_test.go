package ingest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/engine/embed"
	"github.com/WessleyAI/threatintel/engine/ingest"
	"github.com/WessleyAI/threatintel/engine/rag"
	"github.com/WessleyAI/threatintel/engine/semantic"
	"github.com/WessleyAI/threatintel/engine/synth"
	"github.com/WessleyAI/threatintel/pkg/natsutil"
)

type stack struct {
	store    *semantic.Handle
	pipeline *ingest.Pipeline
	rag      *rag.Service
	prompts  []synth.Prompt
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{store: semantic.NewHandle("memory", semantic.MemoryOpener(), nil)}
	gw := embed.NewGateway(embed.NewHashEmbedder(512), embed.DefaultOptions(), nil)
	s.pipeline = ingest.New(ingest.Deps{Embedder: gw, Store: s.store})

	opts, err := rag.DefaultOptions()
	if err != nil {
		t.Fatal(err)
	}
	answer := synth.Func(func(_ context.Context, p synth.Prompt) (string, error) {
		s.prompts = append(s.prompts, p)
		return "CVE-2024-0001 describes a HIGH severity buffer overflow in X.", nil
	})
	s.rag = rag.New(gw, s.store, answer, opts, nil)
	return s
}

func scenarioRecord() advisory.RawRecord {
	score := 8.8
	return advisory.RawRecord{
		ID:           "CVE-2024-0001",
		Descriptions: []advisory.Description{{Lang: "en", Value: "Buffer overflow in X"}},
		Metrics: advisory.Metrics{V31: []advisory.Metric{{
			CVSSData: advisory.CVSSData{BaseScore: &score, BaseSeverity: "HIGH"},
		}}},
	}
}

func TestScenarioIngestThenQuery(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	n, err := s.pipeline.Ingest(ctx, []advisory.RawRecord{scenarioRecord()})
	if err != nil || n != 1 {
		t.Fatalf("ingest n=%d err=%v", n, err)
	}

	ans, err := s.rag.Query(ctx, "What threats involve buffer overflows?", 0)
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text == "" {
		t.Fatal("empty answer")
	}
	want := rag.Citation{AdvisoryID: "CVE-2024-0001", Severity: "HIGH", Score: 8.8}
	if len(ans.Sources) != 1 || ans.Sources[0] != want {
		t.Fatalf("sources = %+v", ans.Sources)
	}
	if len(s.prompts) != 1 {
		t.Fatalf("synthesizer calls = %d", len(s.prompts))
	}
}

func TestScenarioEmptyIngest(t *testing.T) {
	s := newStack(t)
	n, err := s.pipeline.Ingest(context.Background(), []advisory.RawRecord{})
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	count, err := s.store.Count(context.Background())
	if err != nil || count != 0 {
		t.Fatalf("store count=%d err=%v", count, err)
	}
}

func TestScenarioQueryEmptyStore(t *testing.T) {
	s := newStack(t)
	ans, err := s.rag.Query(context.Background(), "Any kernel privilege escalations?", 5)
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != rag.NoResultsAnswer {
		t.Fatalf("Text = %q", ans.Text)
	}
	data, _ := json.Marshal(ans)
	if string(data) != `{"answer":"`+rag.NoResultsAnswer+`","sources":[]}` {
		t.Fatalf("json = %s", data)
	}
	if len(s.prompts) != 0 {
		t.Fatal("synthesizer called on an empty store")
	}
}

func TestScenarioReingestOverwrites(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	if _, err := s.pipeline.Ingest(ctx, []advisory.RawRecord{scenarioRecord()}); err != nil {
		t.Fatal(err)
	}
	updated := scenarioRecord()
	score := 9.1
	updated.Metrics.V31[0].CVSSData = advisory.CVSSData{BaseScore: &score, BaseSeverity: "CRITICAL"}
	if _, err := s.pipeline.Ingest(ctx, []advisory.RawRecord{updated}); err != nil {
		t.Fatal(err)
	}

	count, _ := s.store.Count(ctx)
	if count != 1 {
		t.Fatalf("count = %d", count)
	}
	ans, err := s.rag.Query(ctx, "buffer overflow", 5)
	if err != nil {
		t.Fatal(err)
	}
	if ans.Sources[0].Severity != "CRITICAL" || ans.Sources[0].Score != 9.1 {
		t.Fatalf("sources = %+v", ans.Sources)
	}
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestConsumerOverNATS(t *testing.T) {
	nc := startNATS(t)

	s := newStack(t)
	events := make(chan ingest.IngestedEvent, 1)
	evSub, err := natsutil.Subscribe(nc, ingest.EventSubject, func(_ context.Context, ev ingest.IngestedEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatal(err)
	}
	defer evSub.Unsubscribe()

	p := ingest.New(ingest.Deps{
		Embedder: embed.NewGateway(embed.NewHashEmbedder(512), embed.DefaultOptions(), nil),
		Store:    s.store,
		Events:   ingest.NewNATSEvents(nc),
	})
	sub, err := ingest.StartConsumer(nc, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	msg := ingest.IngestMessage{Records: []advisory.RawRecord{scenarioRecord()}}
	if err := natsutil.Publish(context.Background(), nc, ingest.IngestSubject, msg); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Count != 1 || ev.IDs[0] != "CVE-2024-0001" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for ingested event")
	}
	count, err := s.store.Count(context.Background())
	if err != nil || count != 1 {
		t.Fatalf("count=%d err=%v", count, err)
	}
}

func TestDeadLettersOverNATS(t *testing.T) {
	nc := startNATS(t)
	s := newStack(t)

	letters := make(chan ingest.DeadLetter, 1)
	dlq, err := ingest.WatchDeadLetters(nc, func(_ context.Context, dl ingest.DeadLetter) {
		letters <- dl
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dlq.Unsubscribe()

	sub, err := ingest.StartConsumer(nc, s.pipeline, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	bad := advisory.RawRecord{ID: " "}
	msg := ingest.IngestMessage{Records: []advisory.RawRecord{scenarioRecord(), bad}}
	if err := natsutil.Publish(context.Background(), nc, ingest.IngestSubject, msg); err != nil {
		t.Fatal(err)
	}

	select {
	case dl := <-letters:
		if len(dl.Records) != 1 || len(dl.Failed) != 1 || dl.Failed[0].Index != 1 {
			t.Fatalf("dead letter = %+v", dl)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for dead letter")
	}
	if n, _ := s.store.Count(context.Background()); n != 1 {
		t.Fatalf("count = %d", n)
	}
}
