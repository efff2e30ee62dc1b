package semantic

// Record is one advisory as stored: its vector plus the metadata needed to
// render it back as context and as a citation.
type Record struct {
	ID        string
	Vector    []float32
	Severity  string
	Score     float64
	Published string
	Text      string
}

// Match is a single similarity hit. Rank 0 is the most similar.
type Match struct {
	AdvisoryID string  `json:"advisory_id"`
	Severity   string  `json:"severity"`
	Score      float64 `json:"score"`
	Published  string  `json:"published,omitempty"`
	Text       string  `json:"text"`
	Rank       int     `json:"rank"`
	Similarity float32 `json:"similarity"`
}
