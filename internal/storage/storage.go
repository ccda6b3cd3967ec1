// Package storage defines the persistence interface for the product catalog
// and its image fingerprints.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
)

// ErrNotFound is returned when a product or image does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines product and image persistence operations.
type Storage interface {
	// Product operations
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	UpdateProduct(ctx context.Context, p *models.Product) error
	DeleteProduct(ctx context.Context, id int64) error
	ListRecentProducts(ctx context.Context, limit int) ([]*models.Product, error)
	Hydrate(ctx context.Context, ids []int64) ([]*models.Product, error)

	// Image operations
	SaveImage(ctx context.Context, img *models.ProductImage) error
	GetImage(ctx context.Context, id string) (*models.ProductImage, error)
	ListImagesByProduct(ctx context.Context, productID int64) ([]*models.ProductImage, error)
	SetImageFingerprint(ctx context.Context, id string, fp phash.Fingerprint) error
	ListImagesMissingFingerprint(ctx context.Context, limit int) ([]*models.ProductImage, error)
	DeleteImage(ctx context.Context, id string) error

	// Candidate pool
	FetchCandidates(ctx context.Context, limit int) ([]models.IndexedImage, error)

	// Stats
	CountProducts(ctx context.Context) (int64, error)
	CountImages(ctx context.Context) (int64, error)
	CountFingerprinted(ctx context.Context) (int64, error)

	Close() error
}
