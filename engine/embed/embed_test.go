package embed

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/pkg/fn"
	"github.com/WessleyAI/threatintel/pkg/resilience"
)

// recordingEmbedder returns [len(text), index-in-call] for every text and
// records the batches it received.
type recordingEmbedder struct {
	calls [][]string
	err   error
}

func (r *recordingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	r.calls = append(r.calls, append([]string(nil), texts...))
	if r.err != nil {
		return nil, r.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len([]rune(t))), float32(i)}
	}
	return out, nil
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	rec := &recordingEmbedder{}
	g := NewGateway(rec, DefaultOptions(), nil)
	vecs, err := g.EmbedBatch(context.Background(), []string{"a", "bbb", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	for i, want := range []float32{1, 3, 1} {
		if vecs[i][0] != want {
			t.Errorf("vecs[%d][0] = %v, want %v", i, vecs[i][0], want)
		}
	}
	if len(rec.calls) != 1 || len(rec.calls[0]) != 3 {
		t.Fatalf("expected one call with duplicates kept, got %v", rec.calls)
	}
}

func TestEmbedBatchEmptyInputSkipsCapability(t *testing.T) {
	rec := &recordingEmbedder{}
	vecs, err := NewGateway(rec, DefaultOptions(), nil).EmbedBatch(context.Background(), nil)
	if err != nil || len(vecs) != 0 {
		t.Fatalf("vecs=%v err=%v", vecs, err)
	}
	if len(rec.calls) != 0 {
		t.Fatal("capability should not be called")
	}
}

func TestEmbedBatchSplitsIntoBatches(t *testing.T) {
	rec := &recordingEmbedder{}
	g := NewGateway(rec, Options{ChunkSize: 512, ChunkOverlap: 50, BatchSize: 2}, nil)
	vecs, err := g.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 5 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	if len(rec.calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(rec.calls))
	}
}

func TestEmbedBatchPoolsLongText(t *testing.T) {
	rec := &recordingEmbedder{}
	g := NewGateway(rec, Options{ChunkSize: 10, ChunkOverlap: 2, BatchSize: 100}, nil)
	long := strings.Repeat("word ", 10)
	vecs, err := g.EmbedBatch(context.Background(), []string{"short", long})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	if vecs[0][0] != 5 {
		t.Fatalf("short text vector changed: %v", vecs[0])
	}
	if len(rec.calls[0]) <= 2 {
		t.Fatalf("long text should be chunked, capability saw %v", rec.calls[0])
	}
	var norm float64
	for _, x := range vecs[1] {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("pooled vector not unit length: %v", norm)
	}
}

func TestEmbedBatchFailureIsEmbeddingUnavailable(t *testing.T) {
	cause := errors.New("503")
	g := NewGateway(&recordingEmbedder{err: cause}, DefaultOptions(), nil)
	_, err := g.EmbedOne(context.Background(), "x")
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("got %v", err)
	}
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	short := EmbedderFunc(func(context.Context, []string) ([][]float32, error) {
		return [][]float32{{1}}, nil
	})
	_, err := NewGateway(short, DefaultOptions(), nil).EmbedBatch(context.Background(), []string{"a", "b"})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("got %v", err)
	}
}

func TestSplit(t *testing.T) {
	if got := Split("short text", 512, 50); len(got) != 1 || got[0] != "short text" {
		t.Fatalf("got %v", got)
	}

	text := strings.Repeat("abcdefghij", 5) // 50 runes, no spaces
	chunks := Split(text, 20, 5)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		if !strings.HasPrefix(chunks[i], prev[len(prev)-5:]) {
			t.Fatalf("chunk %d does not overlap previous: %q / %q", i, prev, chunks[i])
		}
	}
	for _, c := range chunks {
		if len([]rune(c)) > 20 {
			t.Fatalf("chunk too long: %q", c)
		}
	}
}

func TestSplitPrefersWordBoundaries(t *testing.T) {
	chunks := Split("alpha beta gamma delta epsilon", 12, 0)
	for _, c := range chunks {
		for _, w := range strings.Fields(c) {
			if !strings.Contains("alpha beta gamma delta epsilon", w) || len(w) < 4 {
				t.Fatalf("word cut in chunk %q", c)
			}
		}
	}
}

func TestSplitMultibyte(t *testing.T) {
	text := strings.Repeat("é", 30)
	for _, c := range Split(text, 10, 2) {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %q", c)
		}
	}
}

func TestHashEmbedderSimilarity(t *testing.T) {
	h := NewHashEmbedder(4096)
	vecs, _ := h.Embed(context.Background(), []string{
		"CVE-2024-0001: Buffer overflow in X",
		"What threats involve buffer overflows?",
		"SQL injection in login form",
	})
	if len(vecs[0]) != 4096 {
		t.Fatalf("dims = %d", len(vecs[0]))
	}
	if dot(vecs[0], vecs[1]) <= dot(vecs[2], vecs[1]) {
		t.Fatal("expected the buffer overflow advisory to be closer to the question")
	}
}

func TestGuardedRetries(t *testing.T) {
	calls := 0
	flaky := EmbedderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return [][]float32{{1}}, nil
	})
	guard := resilience.NewGuard(resilience.GuardOpts{Name: "embed", Retry: fastRetry()}, nil)
	_, err := Guarded(flaky, guard).Embed(context.Background(), []string{"a"})
	if err != nil || calls != 2 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func fastRetry() fn.RetryOpts {
	return fn.RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
