package search

import (
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/ranking"
)

// Mode tells the caller whether a similarity search actually ran.
type Mode string

const (
	// ModeMatched means the pool was scanned and ranked; Results may still be empty.
	ModeMatched Mode = "matched"
	// ModeFallback means no search could be performed; the caller substitutes its own results.
	ModeFallback Mode = "fallback"
)

// Outcome is the result of a search: either Matched with ranked results, or
// Fallback with the Reason the search could not run.
type Outcome struct {
	Mode    Mode
	Results []models.ScoredProduct
	Reason  error
	// CacheHit is set when Results came from the result cache.
	CacheHit bool
	Timings  models.Timings
}

// Matched reports whether the search ran.
func (o *Outcome) Matched() bool {
	return o.Mode == ModeMatched
}

// ProductIDs returns the ranked product ids; empty for a fallback.
func (o *Outcome) ProductIDs() []int64 {
	return ranking.ProductIDs(o.Results)
}

func matched(results []models.ScoredProduct) *Outcome {
	return &Outcome{Mode: ModeMatched, Results: results}
}

func fallback(reason error) *Outcome {
	return &Outcome{Mode: ModeFallback, Results: []models.ScoredProduct{}, Reason: reason}
}
