// Package cli formats Mirip results for the command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// WriteSearchResults writes a similarity response to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SimilarityResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	writeSearchResultsText(w, response)
	return nil
}

func writeSearchResultsText(w io.Writer, response *models.SimilarityResponse) {
	fmt.Fprintf(w, "\n%d products (%s)", len(response.ProductIDs), response.Mode)
	if t := response.Timings; t != nil {
		fmt.Fprintf(w, " in %.1fms [hash %.1fms, scan %.1fms, rank %.1fms]", t.TotalMs, t.HashMs, t.ScanMs, t.RankMs)
	}
	fmt.Fprint(w, "\n\n")

	distances := make(map[int64]int, len(response.Scores))
	for _, s := range response.Scores {
		distances[s.ProductID] = s.Distance
	}
	for i, p := range response.Products {
		d, scored := distances[p.ID]
		if scored {
			fmt.Fprintf(w, "%3d. #%d  distance %2d/%d  %s\n", i+1, p.ID, d, phash.Bits, Truncate(p.Title, 60))
		} else {
			fmt.Fprintf(w, "%3d. #%d  %s\n", i+1, p.ID, Truncate(p.Title, 60))
		}
	}
	if len(response.Products) == 0 {
		fmt.Fprintln(w, "(no products)")
	}
}

// HashResult is one line of `mirip hash` output.
type HashResult struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// WriteHashResults writes fingerprints, one file per line in text mode.
func WriteHashResults(w io.Writer, results []HashResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, results)
	}
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(w, "%-16s  %s (%s)\n", "-", r.Path, r.Error)
			continue
		}
		fmt.Fprintf(w, "%s  %s\n", r.Fingerprint, r.Path)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
