//go:build integration

package semantic

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func qdrantAddr() string {
	if v := os.Getenv("QDRANT_ADDR"); v != "" {
		return v
	}
	return "localhost:6334"
}

func TestQdrantContract(t *testing.T) {
	collection := fmt.Sprintf("test_advisories_%d", time.Now().UnixNano())
	backendContract(t, QdrantOpener(qdrantAddr(), collection, 3))
}

func TestQdrantEnsureCollectionIdempotent(t *testing.T) {
	qs, err := NewQdrant(qdrantAddr(), fmt.Sprintf("test_ensure_%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("connect qdrant: %v", err)
	}
	defer qs.Close()

	ctx := context.Background()
	for range 2 {
		if err := qs.EnsureCollection(ctx, 4); err != nil {
			t.Fatalf("EnsureCollection: %v", err)
		}
	}
}
