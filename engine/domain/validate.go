// Package domain holds the error taxonomy and request validation shared by
// the ingestion and answering pipelines.
package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// NVD caps a single page at 2000 results.
const (
	MaxResultsPerPage = 2000
	MaxDaysBack       = 120
	minQueryLength    = 3
)

// IngestRequest is the body of POST /api/ingest.
type IngestRequest struct {
	DaysBack   int `json:"daysBack,omitempty" jsonschema:"minimum=1,maximum=120,default=30"`
	MaxResults int `json:"maxResults,omitempty" jsonschema:"minimum=1,maximum=2000,default=100"`
}

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query string `json:"query" jsonschema:"required,minLength=3"`
}

// WithDefaults fills zero fields with the feed defaults.
func (r IngestRequest) WithDefaults() IngestRequest {
	if r.DaysBack == 0 {
		r.DaysBack = 30
	}
	if r.MaxResults == 0 {
		r.MaxResults = 100
	}
	return r
}

// ValidateIngest checks the ingest window after defaults are applied.
func ValidateIngest(r IngestRequest) error {
	if r.DaysBack < 1 || r.DaysBack > MaxDaysBack {
		return NewValidationError("daysBack", strconv.Itoa(r.DaysBack), ErrOutOfRange)
	}
	if r.MaxResults < 1 || r.MaxResults > MaxResultsPerPage {
		return NewValidationError("maxResults", strconv.Itoa(r.MaxResults), ErrOutOfRange)
	}
	return nil
}

// ValidateQuery checks a user question.
func ValidateQuery(r QueryRequest) error {
	text := strings.TrimSpace(r.Query)
	if text == "" {
		return NewValidationError("query", text, ErrInvalidQuery)
	}
	if utf8.RuneCountInString(text) < minQueryLength {
		return NewValidationError("query", text, ErrQueryTooShort)
	}
	return nil
}
