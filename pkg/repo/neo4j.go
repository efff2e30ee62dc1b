package repo

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// DefaultListLimit applies when ListOpts.Limit is not positive.
const DefaultListLimit = 100

// Result is the part of a Neo4j result set the repositories read.
type Result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// Runner executes a Cypher statement.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
}

// Session is a Runner that can also run managed write transactions.
type Session interface {
	Runner
	Close(ctx context.Context) error
	ExecuteWrite(ctx context.Context, work func(tx Runner) (any, error)) (any, error)
}

// SessionFunc opens a session. Tests substitute their own.
type SessionFunc func(ctx context.Context) Session

// DriverSessions opens sessions on a live driver.
func DriverSessions(driver neo4j.DriverWithContext) SessionFunc {
	return func(ctx context.Context) Session {
		return &driverSession{sess: driver.NewSession(ctx, neo4j.SessionConfig{})}
	}
}

type driverSession struct {
	sess neo4j.SessionWithContext
}

func (s *driverSession) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return s.sess.Run(ctx, cypher, params)
}

func (s *driverSession) Close(ctx context.Context) error { return s.sess.Close(ctx) }

func (s *driverSession) ExecuteWrite(ctx context.Context, work func(tx Runner) (any, error)) (any, error) {
	return s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(txRunner{tx: tx})
	})
}

type txRunner struct {
	tx neo4j.ManagedTransaction
}

func (r txRunner) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return r.tx.Run(ctx, cypher, params)
}

// Neo4jRepo stores one node label keyed by its "id" property.
type Neo4jRepo[T any, ID comparable] struct {
	sessions   SessionFunc
	label      string
	toMap      func(T) map[string]any
	fromRecord func(*neo4j.Record) (T, error)
}

// NewNeo4jRepo creates a repository for label. toMap must include "id";
// fromRecord receives records with the node bound to "n".
func NewNeo4jRepo[T any, ID comparable](
	sessions SessionFunc,
	label string,
	toMap func(T) map[string]any,
	fromRecord func(*neo4j.Record) (T, error),
) *Neo4jRepo[T, ID] {
	return &Neo4jRepo[T, ID]{sessions: sessions, label: label, toMap: toMap, fromRecord: fromRecord}
}

var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sess := r.sessions(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n", r.label)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return zero, fmt.Errorf("repo: get %s: %w", r.label, err)
	}
	if !result.Next(ctx) {
		return zero, fmt.Errorf("%s %v: %w", r.label, id, ErrNotFound)
	}
	return r.fromRecord(result.Record())
}

// List returns entities ordered by id.
func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	sess := r.sessions(ctx)
	defer sess.Close(ctx)

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := max(opts.Offset, 0)

	cypher := fmt.Sprintf("MATCH (n:%s) RETURN n ORDER BY n.id SKIP $offset LIMIT $limit", r.label)
	result, err := sess.Run(ctx, cypher, map[string]any{"offset": offset, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.label, err)
	}

	items := []T{}
	for result.Next(ctx) {
		item, err := r.fromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Upsert merges the node by id and overwrites the mapped properties.
func (r *Neo4jRepo[T, ID]) Upsert(ctx context.Context, entity T) error {
	sess := r.sessions(ctx)
	defer sess.Close(ctx)
	return r.UpsertIn(ctx, sess, entity)
}

// UpsertIn is Upsert on run, so callers can batch several writes in one
// transaction.
func (r *Neo4jRepo[T, ID]) UpsertIn(ctx context.Context, run Runner, entity T) error {
	props := r.toMap(entity)
	cypher := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props", r.label)
	if _, err := run.Run(ctx, cypher, map[string]any{"id": props["id"], "props": props}); err != nil {
		return fmt.Errorf("repo: upsert %s: %w", r.label, err)
	}
	return nil
}
