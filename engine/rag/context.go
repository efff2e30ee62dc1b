package rag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/WessleyAI/threatintel/engine/semantic"
	"github.com/WessleyAI/threatintel/pkg/fn"
)

// AssembleContext renders one three-line block per match, in rank order,
// separated by a blank line.
func AssembleContext(matches []semantic.Match) string {
	blocks := fn.Map(matches, func(m semantic.Match) string {
		return fmt.Sprintf("CVE ID: %s\nSeverity: %s (CVSS: %s)\nDescription: %s",
			m.AdvisoryID, m.Severity, FormatScore(m.Score), m.Text)
	})
	return strings.Join(blocks, "\n\n")
}

// FormatScore prints a score with the shortest exact representation and at
// least one decimal: 8.8, 10.0, 0.0.
func FormatScore(score float64) string {
	s := strconv.FormatFloat(score, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Citations lists every match as a source, in rank order.
func Citations(matches []semantic.Match) []Citation {
	return fn.Map(matches, func(m semantic.Match) Citation {
		return Citation{AdvisoryID: m.AdvisoryID, Severity: m.Severity, Score: m.Score}
	})
}
