// Package models defines core data structures for products, images, and similarity results.
package models

import (
	"fmt"
	"time"

	"github.com/hyperjump/mirip/internal/phash"
)

// ProductStatus is the publication state of a product.
type ProductStatus string

const (
	// StatusDraft products are not visible to shoppers.
	StatusDraft ProductStatus = "draft"
	// StatusPublished products are visible and eligible for similarity search.
	StatusPublished ProductStatus = "published"
)

// Valid reports whether s is a known status.
func (s ProductStatus) Valid() bool {
	return s == StatusDraft || s == StatusPublished
}

// Product is a catalog listing.
type Product struct {
	ID          int64         `json:"id" db:"id"`
	Title       string        `json:"title" db:"title"`
	Description string        `json:"description,omitempty" db:"description"`
	PriceCents  int64         `json:"price_cents" db:"price_cents"`
	Status      ProductStatus `json:"status" db:"status"`
	Blocked     bool          `json:"blocked" db:"blocked"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// Eligible reports whether the product's images may appear in the candidate pool.
func (p *Product) Eligible() bool {
	return p.Status == StatusPublished && !p.Blocked
}

// ProductInput is the input for creating or updating a product.
type ProductInput struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	PriceCents  *int64         `json:"price_cents,omitempty"`
	Status      *ProductStatus `json:"status,omitempty"`
	Blocked     *bool          `json:"blocked,omitempty"`
}

// Validate checks field values that are present.
func (in *ProductInput) Validate() error {
	if in.Title != nil && *in.Title == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if in.PriceCents != nil && *in.PriceCents < 0 {
		return fmt.Errorf("price_cents cannot be negative")
	}
	if in.Status != nil && !in.Status.Valid() {
		return fmt.Errorf("unknown status %q", *in.Status)
	}
	return nil
}

// Apply copies the present fields onto p.
func (in *ProductInput) Apply(p *Product) {
	if in.Title != nil {
		p.Title = *in.Title
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.PriceCents != nil {
		p.PriceCents = *in.PriceCents
	}
	if in.Status != nil {
		p.Status = *in.Status
	}
	if in.Blocked != nil {
		p.Blocked = *in.Blocked
	}
}

// ProductImage is an image owned by a product. Fingerprint is nil until the
// image has been hashed successfully.
type ProductImage struct {
	ID          string             `json:"id" db:"id"`
	ProductID   int64              `json:"product_id" db:"product_id"`
	Path        string             `json:"path" db:"path"`
	Fingerprint *phash.Fingerprint `json:"fingerprint,omitempty" db:"fingerprint"`
	IndexedAt   *time.Time         `json:"indexed_at,omitempty" db:"indexed_at"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// IndexedImage is a fingerprinted image of an eligible product, as scanned by the ranker.
type IndexedImage struct {
	ProductID   int64
	Fingerprint phash.Fingerprint
}
