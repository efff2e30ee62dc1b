package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/pkg/fn"
	"github.com/WessleyAI/threatintel/pkg/repo"
)

// Session seam shared with pkg/repo.
type (
	CypherResult  = repo.Result
	CypherRunner  = repo.Runner
	CypherSession = repo.Session
)

// SessionOpener hands out sessions. The driver-backed opener is used in
// production; tests supply their own.
type SessionOpener interface {
	OpenSession(ctx context.Context) CypherSession
}

type driverOpener struct {
	open repo.SessionFunc
}

func (d driverOpener) OpenSession(ctx context.Context) CypherSession { return d.open(ctx) }

// GraphStore reads and writes advisory nodes.
type GraphStore struct {
	opener     SessionOpener
	advisories *repo.Neo4jRepo[Advisory, string]
}

// New creates a GraphStore on a live driver.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return NewWithOpener(driverOpener{open: repo.DriverSessions(driver)})
}

// NewWithOpener creates a GraphStore that opens sessions through opener.
func NewWithOpener(opener SessionOpener) *GraphStore {
	return &GraphStore{
		opener:     opener,
		advisories: repo.NewNeo4jRepo[Advisory, string](opener.OpenSession, LabelAdvisory, advisoryToMap, advisoryFromRecord),
	}
}

// Connect opens a driver for url and verifies it. An empty user means no
// authentication.
func Connect(ctx context.Context, url, user, pass string) (neo4j.DriverWithContext, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, pass, "")
	}
	driver, err := neo4j.NewDriverWithContext(url, auth)
	if err != nil {
		return nil, fmt.Errorf("graph: connect %s: %w", url, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify %s: %w", url, err)
	}
	return driver, nil
}

const (
	mergeSeverity = `MATCH (a:Advisory {id: $id})
		OPTIONAL MATCH (a)-[old:HAS_SEVERITY]->(:Severity)
		DELETE old
		WITH a
		MERGE (s:Severity {name: $severity})
		MERGE (a)-[:HAS_SEVERITY]->(s)`
	mergeReference = `MATCH (a:Advisory {id: $id})
		MERGE (r:Reference {url: $url})
		MERGE (a)-[:REFERENCES]->(r)`
)

// SaveAdvisories merges every advisory, its severity and its references in
// one write transaction. Saving the same ID again overwrites its properties.
func (g *GraphStore) SaveAdvisories(ctx context.Context, advisories []advisory.Advisory) error {
	if len(advisories) == 0 {
		return nil
	}
	nodes := fn.Map(advisories, FromAdvisory)

	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		for _, a := range nodes {
			if err := g.advisories.UpsertIn(ctx, tx, a); err != nil {
				return nil, err
			}
			if _, err := tx.Run(ctx, mergeSeverity, map[string]any{
				"id":       a.ID,
				"severity": a.Severity,
			}); err != nil {
				return nil, err
			}
			for _, url := range a.References {
				if _, err := tx.Run(ctx, mergeReference, map[string]any{
					"id":  a.ID,
					"url": url,
				}); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph: save advisories: %w", err)
	}
	return nil
}

// Get returns the advisory with id, or an error wrapping repo.ErrNotFound.
func (g *GraphStore) Get(ctx context.Context, id string) (Advisory, error) {
	return g.advisories.Get(ctx, id)
}

// List returns advisories ordered by ID.
func (g *GraphStore) List(ctx context.Context, offset, limit int) ([]Advisory, error) {
	return g.advisories.List(ctx, repo.ListOpts{Offset: offset, Limit: limit})
}

// BySeverity returns advisories linked to the given severity, highest score
// first.
func (g *GraphStore) BySeverity(ctx context.Context, severity string, limit int) ([]Advisory, error) {
	if limit <= 0 {
		limit = repo.DefaultListLimit
	}
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:Advisory)-[:HAS_SEVERITY]->(:Severity {name: $severity})
		RETURN n ORDER BY n.score DESC, n.id LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{
		"severity": advisory.NormalizeSeverity(severity),
		"limit":    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: by severity: %w", err)
	}
	out := []Advisory{}
	for result.Next(ctx) {
		a, err := advisoryFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
