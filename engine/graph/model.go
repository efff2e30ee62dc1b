// Package graph keeps normalized advisories in Neo4j so they can be looked
// up by ID and counted by severity alongside the vector store.
package graph

import (
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/threatintel/engine/advisory"
)

// Node labels and relationship types.
const (
	LabelAdvisory  = "Advisory"
	LabelReference = "Reference"
	LabelSeverity  = "Severity"

	RelReferences  = "REFERENCES"
	RelHasSeverity = "HAS_SEVERITY"
)

// Advisory is an advisory node as read back from the graph.
type Advisory struct {
	ID         string   `json:"cveId"`
	Summary    string   `json:"description"`
	Severity   string   `json:"severity"`
	Score      float64  `json:"cvssScore"`
	Published  string   `json:"publishedDate"`
	References []string `json:"references"`
}

// FromAdvisory copies a normalized advisory into its node form.
func FromAdvisory(a advisory.Advisory) Advisory {
	return Advisory{
		ID:         a.ID,
		Summary:    a.Summary,
		Severity:   a.Severity,
		Score:      a.Score,
		Published:  a.Published,
		References: append([]string{}, a.References...),
	}
}

func advisoryToMap(a Advisory) map[string]any {
	refs := a.References
	if refs == nil {
		refs = []string{}
	}
	return map[string]any{
		"id":         a.ID,
		"summary":    a.Summary,
		"severity":   a.Severity,
		"score":      a.Score,
		"published":  a.Published,
		"references": refs,
	}
}

func advisoryFromRecord(rec *neo4j.Record) (Advisory, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Advisory{}, fmt.Errorf("graph: decode advisory: %w", err)
	}
	return advisoryFromProps(node.Props), nil
}

func advisoryFromProps(props map[string]any) Advisory {
	return Advisory{
		ID:         strProp(props, "id"),
		Summary:    strProp(props, "summary"),
		Severity:   strProp(props, "severity"),
		Score:      floatProp(props, "score"),
		Published:  strProp(props, "published"),
		References: strListProp(props, "references"),
	}
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// strListProp accepts both the driver's []any and a plain []string.
func strListProp(props map[string]any, key string) []string {
	out := []string{}
	switch v := props[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
