package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price_cents INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'draft',
		blocked INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_products_visible ON products(status, blocked, created_at);

	CREATE TABLE IF NOT EXISTS product_images (
		id TEXT PRIMARY KEY,
		product_id INTEGER NOT NULL,
		path TEXT NOT NULL,
		fingerprint TEXT,
		indexed_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_images_product_id ON product_images(product_id);
	CREATE INDEX IF NOT EXISTS idx_images_indexed_at ON product_images(indexed_at);
	`
	_, err := db.Exec(schema)
	return err
}

const productColumns = `id, title, description, price_cents, status, blocked, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*models.Product, error) {
	var p models.Product
	var status string
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.PriceCents, &status, &p.Blocked, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = models.ProductStatus(status)
	return &p, nil
}

// CreateProduct inserts a product and sets its ID.
func (s *SQLiteStorage) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.Status == "" {
		p.Status = models.StatusDraft
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO products (title, description, price_cents, status, blocked, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Title, p.Description, p.PriceCents, string(p.Status), p.Blocked, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	p.ID, err = result.LastInsertId()
	return err
}

// GetProduct returns a product by ID.
func (s *SQLiteStorage) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProduct updates an existing product.
func (s *SQLiteStorage) UpdateProduct(ctx context.Context, p *models.Product) error {
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`UPDATE products SET title = ?, description = ?, price_cents = ?, status = ?, blocked = ?, updated_at = ?
		 WHERE id = ?`,
		p.Title, p.Description, p.PriceCents, string(p.Status), p.Blocked, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("product %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeleteProduct removes a product and its images.
func (s *SQLiteStorage) DeleteProduct(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_images WHERE product_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRecentProducts returns published, unblocked products, newest first.
func (s *SQLiteStorage) ListRecentProducts(ctx context.Context, limit int) ([]*models.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE status = ? AND blocked = 0
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(models.StatusPublished), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// Hydrate loads the products for ids in the order given. Unknown ids are skipped.
func (s *SQLiteStorage) Hydrate(ctx context.Context, ids []int64) ([]*models.Product, error) {
	if len(ids) == 0 {
		return []*models.Product{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*models.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	products := make([]*models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

const imageColumns = `id, product_id, path, fingerprint, indexed_at, created_at`

func scanImage(row rowScanner) (*models.ProductImage, error) {
	var img models.ProductImage
	var fp sql.NullString
	var indexedAt sql.NullTime
	if err := row.Scan(&img.ID, &img.ProductID, &img.Path, &fp, &indexedAt, &img.CreatedAt); err != nil {
		return nil, err
	}
	if fp.Valid {
		f := phash.Fingerprint(fp.String)
		img.Fingerprint = &f
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		img.IndexedAt = &t
	}
	return &img, nil
}

// SaveImage inserts an image, or replaces the stored row when the ID already exists.
// A non-nil fingerprint sets indexed_at to now.
func (s *SQLiteStorage) SaveImage(ctx context.Context, img *models.ProductImage) error {
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	var fp any
	var indexedAt any
	if img.Fingerprint != nil {
		fp = string(*img.Fingerprint)
		indexedAt = now
		img.IndexedAt = &now
	} else {
		img.IndexedAt = nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO product_images (id, product_id, path, fingerprint, indexed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   product_id = excluded.product_id,
		   path = excluded.path,
		   fingerprint = excluded.fingerprint,
		   indexed_at = excluded.indexed_at`,
		img.ID, img.ProductID, img.Path, fp, indexedAt, img.CreatedAt,
	)
	return err
}

// GetImage returns an image by ID.
func (s *SQLiteStorage) GetImage(ctx context.Context, id string) (*models.ProductImage, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM product_images WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ListImagesByProduct returns a product's images in insertion order.
func (s *SQLiteStorage) ListImagesByProduct(ctx context.Context, productID int64) ([]*models.ProductImage, error) {
	return s.queryImages(ctx,
		`SELECT `+imageColumns+` FROM product_images WHERE product_id = ? ORDER BY rowid`, productID)
}

// SetImageFingerprint stores fp for an image and marks it indexed now.
func (s *SQLiteStorage) SetImageFingerprint(ctx context.Context, id string, fp phash.Fingerprint) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE product_images SET fingerprint = ?, indexed_at = ? WHERE id = ?`,
		string(fp), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListImagesMissingFingerprint returns up to limit images that have not been fingerprinted.
// A negative limit returns all of them.
func (s *SQLiteStorage) ListImagesMissingFingerprint(ctx context.Context, limit int) ([]*models.ProductImage, error) {
	return s.queryImages(ctx,
		`SELECT `+imageColumns+` FROM product_images WHERE fingerprint IS NULL ORDER BY rowid LIMIT ?`, limit)
}

// DeleteImage removes an image by ID.
func (s *SQLiteStorage) DeleteImage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM product_images WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) queryImages(ctx context.Context, query string, args ...any) ([]*models.ProductImage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*models.ProductImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// FetchCandidates returns up to limit fingerprinted images of published, unblocked
// products, most recently indexed first. Rows holding a malformed fingerprint are skipped.
// A negative limit is treated as zero.
func (s *SQLiteStorage) FetchCandidates(ctx context.Context, limit int) ([]models.IndexedImage, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.product_id, i.fingerprint
		 FROM product_images i
		 JOIN products p ON p.id = i.product_id
		 WHERE p.status = ? AND p.blocked = 0 AND i.fingerprint IS NOT NULL
		 ORDER BY i.indexed_at DESC, i.rowid DESC
		 LIMIT ?`,
		string(models.StatusPublished), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]models.IndexedImage, 0, limit)
	for rows.Next() {
		var productID int64
		var raw string
		if err := rows.Scan(&productID, &raw); err != nil {
			return nil, err
		}
		fp, err := phash.ParseFingerprint(raw)
		if err != nil {
			continue
		}
		candidates = append(candidates, models.IndexedImage{ProductID: productID, Fingerprint: fp})
	}
	return candidates, rows.Err()
}

// CountProducts returns the total number of products.
func (s *SQLiteStorage) CountProducts(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM products`)
}

// CountImages returns the total number of product images.
func (s *SQLiteStorage) CountImages(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM product_images`)
}

// CountFingerprinted returns the number of images that have a fingerprint.
func (s *SQLiteStorage) CountFingerprinted(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM product_images WHERE fingerprint IS NOT NULL`)
}

func (s *SQLiteStorage) count(ctx context.Context, query string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
