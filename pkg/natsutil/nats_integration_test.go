//go:build integration

package natsutil_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/engine/ingest"
	"github.com/WessleyAI/threatintel/pkg/natsutil"
)

// liveNATS connects to NATS_URL, or the local default.
func liveNATS(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Skipf("nats unavailable at %s: %v", url, err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc
}

func await[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	var zero T
	return zero
}

func TestLive_IngestedEvent(t *testing.T) {
	nc := liveNATS(t)

	events := make(chan ingest.IngestedEvent, 1)
	sub, err := natsutil.Subscribe(nc, ingest.EventSubject, func(_ context.Context, ev ingest.IngestedEvent) {
		if len(ev.IDs) == 1 && ev.IDs[0] == "CVE-2099-0001" {
			events <- ev
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	at := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sent := ingest.IngestedEvent{IDs: []string{"CVE-2099-0001"}, Count: 1, At: at}
	if err := ingest.NewNATSEvents(nc).Ingested(context.Background(), sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := await(t, events)
	if got.Count != 1 || !got.At.Equal(at) {
		t.Fatalf("event = %+v", got)
	}
}

func TestLive_IngestMessageKeepsScores(t *testing.T) {
	nc := liveNATS(t)
	// A private subject keeps a running worker from consuming the batch.
	subject := ingest.IngestSubject + ".integration"

	batches := make(chan ingest.IngestMessage, 1)
	sub, err := natsutil.Subscribe(nc, subject, func(_ context.Context, m ingest.IngestMessage) {
		batches <- m
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	score := 9.8
	rec := advisory.RawRecord{
		ID:           "CVE-2099-0002",
		Descriptions: []advisory.Description{{Lang: "en", Value: "RCE in Z"}},
		Metrics: advisory.Metrics{V31: []advisory.Metric{{
			CVSSData: advisory.CVSSData{BaseScore: &score, BaseSeverity: "CRITICAL"},
		}}},
	}
	if err := natsutil.Publish(context.Background(), nc, subject, ingest.IngestMessage{Records: []advisory.RawRecord{rec}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := await(t, batches)
	if len(got.Records) != 1 {
		t.Fatalf("records = %+v", got.Records)
	}
	a, err := advisory.Normalize(got.Records[0])
	if err != nil {
		t.Fatal(err)
	}
	if a.Severity != advisory.SeverityCritical || a.Score != 9.8 || a.Summary != "RCE in Z" {
		t.Fatalf("advisory = %+v", a)
	}
}
