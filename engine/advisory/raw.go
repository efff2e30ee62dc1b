package advisory

// RawRecord mirrors the "cve" object of the NVD 2.0 feed. Only the fields
// the normalizer reads are declared; everything else is ignored on decode.
type RawRecord struct {
	ID           string        `json:"id"`
	Published    string        `json:"published,omitempty"`
	Descriptions []Description `json:"descriptions,omitempty"`
	Metrics      Metrics       `json:"metrics,omitempty"`
	References   []Reference   `json:"references,omitempty"`
}

type Description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type Reference struct {
	URL    string `json:"url"`
	Source string `json:"source,omitempty"`
}

// Metrics holds the scoring blocks by scheme version.
type Metrics struct {
	V31 []Metric `json:"cvssMetricV31,omitempty"`
	V2  []Metric `json:"cvssMetricV2,omitempty"`
}

// Metric is one scoring block. NVD puts the V2 severity label on the
// metric itself rather than inside cvssData.
type Metric struct {
	Source       string   `json:"source,omitempty"`
	CVSSData     CVSSData `json:"cvssData"`
	BaseSeverity string   `json:"baseSeverity,omitempty"`
}

type CVSSData struct {
	Version      string   `json:"version,omitempty"`
	BaseScore    *float64 `json:"baseScore,omitempty"`
	BaseSeverity string   `json:"baseSeverity,omitempty"`
}
