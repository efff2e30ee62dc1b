// Package advisory converts raw feed records into the canonical advisory
// shape that is embedded, stored and cited.
package advisory

import (
	"encoding/json"
	"strings"

	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/pkg/fn"
)

const (
	// NoDescription replaces a missing English description.
	NoDescription = "No description available"
	// MaxReferences caps the reference links kept per advisory.
	MaxReferences = 3

	descriptionLang = "en"
)

// Severity labels.
const (
	SeverityNone     = "NONE"
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
	SeverityUnknown  = "UNKNOWN"
)

var severities = map[string]struct{}{
	SeverityNone:     {},
	SeverityLow:      {},
	SeverityMedium:   {},
	SeverityHigh:     {},
	SeverityCritical: {},
}

// Advisory is a normalized security advisory.
type Advisory struct {
	ID         string   `json:"id"`
	Summary    string   `json:"summary"`
	Severity   string   `json:"severity"`
	Score      float64  `json:"score"`
	Published  string   `json:"published"`
	References []string `json:"references"`

	searchable string
}

// SearchableText is the text that gets embedded and stored: "<id>: <summary>".
// It is fixed when the advisory is normalized.
func (a Advisory) SearchableText() string { return a.searchable }

// Normalize converts a raw record. It only fails when the identifier is
// missing; every other absent field takes its default.
func Normalize(raw RawRecord) (Advisory, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return Advisory{}, &domain.NormalizationError{Index: -1, Field: "id", Reason: "missing identifier"}
	}

	severity, score := scoring(raw.Metrics)
	a := Advisory{
		ID:         id,
		Summary:    description(raw.Descriptions),
		Severity:   severity,
		Score:      score,
		Published:  raw.Published,
		References: references(raw.References),
	}
	a.searchable = a.ID + ": " + a.Summary
	return a, nil
}

// NormalizeJSON decodes a single NVD "cve" object and normalizes it.
func NormalizeJSON(data []byte) (Advisory, error) {
	var raw RawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return Advisory{}, &domain.NormalizationError{Index: -1, Field: "record", Reason: "unparseable", Err: err}
	}
	return Normalize(raw)
}

// NormalizeAll normalizes a batch, stopping at the first failure. The
// returned error carries the failing record's index.
func NormalizeAll(raws []RawRecord) ([]Advisory, error) {
	out := make([]Advisory, 0, len(raws))
	for i, raw := range raws {
		a, err := Normalize(raw)
		if err != nil {
			return nil, withIndex(err, i)
		}
		out = append(out, a)
	}
	return out, nil
}

func withIndex(err error, i int) error {
	if ne, ok := err.(*domain.NormalizationError); ok {
		cp := *ne
		cp.Index = i
		return &cp
	}
	return err
}

// description picks the first English entry. A blank entry counts as missing.
func description(ds []Description) string {
	for _, d := range ds {
		if d.Lang != descriptionLang {
			continue
		}
		if strings.TrimSpace(d.Value) == "" {
			return NoDescription
		}
		return d.Value
	}
	return NoDescription
}

// scoring prefers the first V3.1 block, then the first V2 block.
func scoring(m Metrics) (string, float64) {
	switch {
	case len(m.V31) > 0:
		return fromMetric(m.V31[0])
	case len(m.V2) > 0:
		return fromMetric(m.V2[0])
	default:
		return SeverityUnknown, 0.0
	}
}

func fromMetric(m Metric) (string, float64) {
	score := 0.0
	if m.CVSSData.BaseScore != nil {
		score = *m.CVSSData.BaseScore
	}
	label := m.CVSSData.BaseSeverity
	if label == "" {
		label = m.BaseSeverity
	}
	return NormalizeSeverity(label), score
}

// NormalizeSeverity upper-cases a label and maps anything outside the
// vocabulary to UNKNOWN.
func NormalizeSeverity(label string) string {
	label = strings.ToUpper(strings.TrimSpace(label))
	if _, ok := severities[label]; ok {
		return label
	}
	return SeverityUnknown
}

func references(refs []Reference) []string {
	return fn.Map(fn.Take(refs, MaxReferences), func(r Reference) string { return r.URL })
}
