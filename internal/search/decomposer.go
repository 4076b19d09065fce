// Package search provides hybrid search functionality combining BM25 and semantic search.
package search

import (
	"regexp"
	"strings"
)

// SubQuery represents a decomposed sub-query with its relative weight.
type SubQuery struct {
	// Query is the sub-query text to search.
	Query string

	// Weight is the relative importance of this sub-query (default: 1.0).
	// Higher weights give more influence in RRF fusion.
	Weight float64

	// Hint optionally suggests result filtering: "code", "docs", or "" (any).
	Hint string
}

// QueryDecomposer transforms a single query into multiple sub-queries
// for improved coverage via multi-signal fusion.
type QueryDecomposer interface {
	// ShouldDecompose returns true if the query benefits from decomposition.
	ShouldDecompose(query string) bool

	// Decompose returns sub-queries for the given query.
	// If ShouldDecompose returns false, returns original query wrapped in slice.
	Decompose(query string) []SubQuery
}

// minSubQueryLength is the shortest a split segment may be and still count
// as a usable sub-query; shorter fragments are dropped rather than sent
// through the hybrid search path.
const minSubQueryLength = 3

// CompoundDecomposer splits compound queries joined by and/or/vs/versus/
// compare, or containing more than one question mark, into independent
// sub-queries. Each sub-query runs through the same hybrid search path and
// the results are fused and reranked against the original query, so a
// query like "position sizing and risk management" surfaces sources for
// both topics instead of whichever one dominates the combined embedding.
type CompoundDecomposer struct {
	connective    *regexp.Regexp
	multiQuestion *regexp.Regexp
}

// NewCompoundDecomposer creates a new compound-query decomposer.
func NewCompoundDecomposer() *CompoundDecomposer {
	return &CompoundDecomposer{
		connective:    regexp.MustCompile(`(?i)\b(?:and|or|vs\.?|versus|compare)\b`),
		multiQuestion: regexp.MustCompile(`\?.*\?`),
	}
}

// ShouldDecompose returns true if query contains a compound connective or
// more than one question mark, and splitting on it yields at least two
// sub-queries longer than minSubQueryLength.
func (d *CompoundDecomposer) ShouldDecompose(query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return false
	}
	return len(d.validParts(query)) >= 2
}

// Decompose splits query into sub-queries. Returns the original query
// wrapped in a single SubQuery if it isn't compound.
func (d *CompoundDecomposer) Decompose(query string) []SubQuery {
	query = strings.TrimSpace(query)

	parts := d.validParts(query)
	if len(parts) < 2 {
		return []SubQuery{{Query: query, Weight: 1.0}}
	}

	subQueries := make([]SubQuery, 0, len(parts))
	for _, p := range parts {
		subQueries = append(subQueries, SubQuery{Query: p, Weight: 1.0})
	}
	return subQueries
}

// validParts splits query on whichever compound signal it contains and
// returns the trimmed segments longer than minSubQueryLength.
func (d *CompoundDecomposer) validParts(query string) []string {
	var raw []string
	switch {
	case d.multiQuestion.MatchString(query):
		raw = strings.Split(query, "?")
	case d.connective.MatchString(query):
		raw = d.connective.Split(query, -1)
	default:
		return nil
	}

	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(strings.Trim(p, "?"))
		if len(p) > minSubQueryLength {
			parts = append(parts, p)
		}
	}
	return parts
}

// Ensure CompoundDecomposer implements QueryDecomposer interface.
var _ QueryDecomposer = (*CompoundDecomposer)(nil)
