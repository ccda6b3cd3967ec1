package models

// ScoredProduct is a product's best (minimum) distance to the query.
type ScoredProduct struct {
	ProductID int64 `json:"product_id"`
	Distance  int   `json:"distance"`
}

// Timings reports elapsed milliseconds for each stage of a similarity search.
type Timings struct {
	HashMs  float64 `json:"hash_ms"`
	ScanMs  float64 `json:"scan_ms"`
	RankMs  float64 `json:"rank_ms"`
	TotalMs float64 `json:"total_ms"`
}

// SimilarityResponse is the response body for an image similarity search.
type SimilarityResponse struct {
	ProductIDs []int64         `json:"product_ids"`
	Scores     []ScoredProduct `json:"scores"`
	Mode       string          `json:"mode"`
	Timings    *Timings        `json:"timings,omitempty"`
	Products   []*Product      `json:"products"`
}
