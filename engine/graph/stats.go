package graph

import (
	"context"
	"fmt"
)

// Stats summarizes the advisory graph.
type Stats struct {
	Nodes         map[string]int64 `json:"nodes"`
	Relationships map[string]int64 `json:"relationships"`
	BySeverity    map[string]int64 `json:"bySeverity"`
}

// NodeCounts returns node counts grouped by label.
func (g *GraphStore) NodeCounts(ctx context.Context) (map[string]int64, error) {
	return g.countBy(ctx, `MATCH (n) RETURN labels(n)[0] AS key, count(*) AS count`)
}

// RelationshipCounts returns relationship counts grouped by type.
func (g *GraphStore) RelationshipCounts(ctx context.Context) (map[string]int64, error) {
	return g.countBy(ctx, `MATCH ()-[r]->() RETURN type(r) AS key, count(*) AS count`)
}

// SeverityCounts returns advisory counts grouped by severity label.
func (g *GraphStore) SeverityCounts(ctx context.Context) (map[string]int64, error) {
	return g.countBy(ctx, `MATCH (a:Advisory) RETURN a.severity AS key, count(*) AS count`)
}

// Stats collects all three breakdowns.
func (g *GraphStore) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Nodes, err = g.NodeCounts(ctx); err != nil {
		return Stats{}, err
	}
	if s.Relationships, err = g.RelationshipCounts(ctx); err != nil {
		return Stats{}, err
	}
	if s.BySeverity, err = g.SeverityCounts(ctx); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (g *GraphStore) countBy(ctx context.Context, cypher string) (map[string]int64, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: count: %w", err)
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		key, _ := rec.Get("key")
		cnt, _ := rec.Get("count")
		k, ok := key.(string)
		if !ok {
			continue
		}
		if c, ok := cnt.(int64); ok {
			counts[k] = c
		}
	}
	return counts, nil
}
