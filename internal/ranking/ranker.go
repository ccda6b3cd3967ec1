// Package ranking orders catalog products by perceptual-hash similarity to a query.
package ranking

import (
	"sort"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
)

// Rank scores every candidate against query, keeps each product's minimum
// distance, and returns at most k products in ascending distance order.
//
// Products with equal distance keep the order in which they were first seen
// in candidates. Callers pass the pool most-recent-first, so ties favour
// recently indexed products.
func Rank(query phash.Fingerprint, candidates []models.IndexedImage, k int) []models.ScoredProduct {
	if k <= 0 || len(candidates) == 0 {
		return []models.ScoredProduct{}
	}

	scored := make([]models.ScoredProduct, 0, len(candidates))
	seen := make(map[int64]int, len(candidates)) // product id -> index in scored
	for _, c := range candidates {
		d := phash.Distance(query, c.Fingerprint)
		if i, ok := seen[c.ProductID]; ok {
			if d < scored[i].Distance {
				scored[i].Distance = d
			}
			continue
		}
		seen[c.ProductID] = len(scored)
		scored = append(scored, models.ScoredProduct{ProductID: c.ProductID, Distance: d})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Distance < scored[j].Distance
	})
	return TopN(scored, k)
}

// TopN returns the first n results.
func TopN(results []models.ScoredProduct, n int) []models.ScoredProduct {
	if n >= len(results) {
		return results
	}
	if n < 0 {
		n = 0
	}
	return results[:n]
}

// ProductIDs returns the product ids of results in order.
func ProductIDs(results []models.ScoredProduct) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ProductID
	}
	return ids
}
