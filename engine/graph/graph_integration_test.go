//go:build integration

package graph

import (
	"context"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/threatintel/engine/advisory"
)

func testDriver(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	ctx := context.Background()
	driver, err := Connect(ctx, envOr("NEO4J_URL", "neo4j://localhost:7687"), os.Getenv("NEO4J_USER"), os.Getenv("NEO4J_PASS"))
	if err != nil {
		t.Fatalf("neo4j connect: %v", err)
	}
	t.Cleanup(func() {
		sess := driver.NewSession(ctx, neo4j.SessionConfig{})
		sess.Run(ctx, "MATCH (n) WHERE n:Advisory OR n:Reference OR n:Severity DETACH DELETE n", nil)
		sess.Close(ctx)
		driver.Close(ctx)
	})
	return driver
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestNeo4j_SaveAndGetAdvisory(t *testing.T) {
	store := New(testDriver(t))
	ctx := context.Background()

	first := normalized(t, "CVE-2099-0001", "HIGH", 8.8, "https://example.com/a")
	if err := store.SaveAdvisories(ctx, []advisory.Advisory{first}); err != nil {
		t.Fatalf("SaveAdvisories: %v", err)
	}
	again := normalized(t, "CVE-2099-0001", "CRITICAL", 9.8, "https://example.com/a")
	if err := store.SaveAdvisories(ctx, []advisory.Advisory{again}); err != nil {
		t.Fatalf("SaveAdvisories: %v", err)
	}

	got, err := store.Get(ctx, "CVE-2099-0001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Severity != "CRITICAL" || got.Score != 9.8 {
		t.Fatalf("got %+v", got)
	}

	bySev, err := store.SeverityCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bySev["CRITICAL"] < 1 {
		t.Fatalf("severity counts = %v", bySev)
	}
	crit, err := store.BySeverity(ctx, "CRITICAL", 10)
	if err != nil || len(crit) == 0 {
		t.Fatalf("BySeverity = %v, %v", crit, err)
	}
}
