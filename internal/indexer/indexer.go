// Package indexer fingerprints product images and records them in the catalog.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/fileid"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
	"github.com/hyperjump/mirip/internal/storage"
)

// Indexer stores product images and their fingerprints.
type Indexer struct {
	storage  storage.Storage
	hasher   *phash.Hasher
	imageDir string
	workers  int
	logger   *zap.Logger // optional; when set, logs debug events
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (image indexed, hash failures, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// NewIndexer creates an indexer. Uploaded images are written under imageDir.
func NewIndexer(
	storage storage.Storage,
	hasher *phash.Hasher,
	imageDir string,
	cfg *config.IndexerConfig,
	opts ...IndexerOption,
) *Indexer {
	if hasher == nil {
		hasher = phash.NewHasher(phash.DefaultMaxPixels)
	}
	workers := 1
	if cfg != nil && cfg.Workers > 0 {
		workers = cfg.Workers
	}
	idx := &Indexer{
		storage:  storage,
		hasher:   hasher,
		imageDir: imageDir,
		workers:  workers,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// IndexUpload stores data as a new image of productID and fingerprints it.
// The image row is kept even when hashing fails; it then has no fingerprint and
// stays out of the candidate pool until a backfill succeeds. The hash error is
// returned alongside the stored image.
func (idx *Indexer) IndexUpload(ctx context.Context, productID int64, filename string, data []byte) (*models.ProductImage, error) {
	if _, err := idx.storage.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	id := uuid.New().String()
	dir := filepath.Join(idx.imageDir, strconv.FormatInt(productID, 10))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	path := filepath.Join(dir, id+imageExt(filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}

	img := &models.ProductImage{ID: id, ProductID: productID, Path: path}
	fp, hashErr := idx.hasher.Hash(data)
	if hashErr == nil {
		img.Fingerprint = &fp
	}
	if err := idx.storage.SaveImage(ctx, img); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			idx.logger.Warn("indexer could not remove orphaned upload", zap.String("path", path), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("failed to store image: %w", err)
	}
	if hashErr != nil {
		idx.logger.Warn("indexer could not fingerprint upload",
			zap.Int64("product_id", productID), zap.String("image_id", id), zap.Error(hashErr))
		return img, fmt.Errorf("fingerprint: %w", hashErr)
	}
	idx.logger.Debug("indexer upload indexed",
		zap.Int64("product_id", productID), zap.String("image_id", id), zap.String("fingerprint", fp.String()))
	return img, nil
}

func imageExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\`) {
		return ".img"
	}
	return ext
}

// IndexFile fingerprints the image at path. The owning product is the name of the
// file's parent directory, e.g. <root>/42/front.jpg belongs to product 42. The image
// ID is derived from the absolute path so re-indexing replaces the fingerprint.
// Files already fingerprinted after their last modification are skipped.
func (idx *Indexer) IndexFile(ctx context.Context, path string, allowedExts []string) error {
	idx.logger.Debug("indexer indexing file", zap.String("path", path))
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
		return fmt.Errorf("extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", absPath)
	}
	productID, err := ProductIDFromPath(absPath)
	if err != nil {
		return err
	}
	if _, err := idx.storage.GetProduct(ctx, productID); err != nil {
		return err
	}

	imageID := fileid.ImageID(absPath)
	if existing, err := idx.storage.GetImage(ctx, imageID); err == nil {
		if existing.Fingerprint != nil && existing.IndexedAt != nil && existing.IndexedAt.After(info.ModTime()) {
			idx.logger.Debug("indexer skipping unchanged file", zap.String("path", absPath))
			return nil
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	img := &models.ProductImage{ID: imageID, ProductID: productID, Path: absPath}
	fp, hashErr := idx.hasher.Hash(data)
	if hashErr == nil {
		img.Fingerprint = &fp
	}
	if err := idx.storage.SaveImage(ctx, img); err != nil {
		return fmt.Errorf("failed to store image: %w", err)
	}
	if hashErr != nil {
		return fmt.Errorf("fingerprint %s: %w", absPath, hashErr)
	}
	idx.logger.Debug("indexer file indexed", zap.String("path", absPath), zap.String("image_id", imageID))
	return nil
}

// ProductIDFromPath returns the product id encoded as the parent directory name of path.
func ProductIDFromPath(path string) (int64, error) {
	name := filepath.Base(filepath.Dir(path))
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("parent directory %q of %s is not a product id", name, path)
	}
	return id, nil
}

// IndexDirectory walks dir recursively and indexes each regular file whose extension
// is in allowedExts (if non-nil and non-empty; otherwise all files). A file that fails
// does not stop the walk; the failures are joined into the returned error.
func (idx *Indexer) IndexDirectory(ctx context.Context, dir string, allowedExts []string) (n int, err error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	var failures []error
	walkErr := filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
			return nil
		}
		if indexErr := idx.IndexFile(ctx, path, allowedExts); indexErr != nil {
			failures = append(failures, indexErr)
			return nil
		}
		n++
		return nil
	})
	if walkErr != nil {
		failures = append(failures, walkErr)
	}
	return n, errors.Join(failures...)
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// RemoveFile deletes the image indexed from path.
func (idx *Indexer) RemoveFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	idx.logger.Debug("indexer removing file", zap.String("path", absPath))
	return idx.storage.DeleteImage(ctx, fileid.ImageID(absPath))
}

// DeleteImage removes an image row and, for uploaded images, the stored file.
func (idx *Indexer) DeleteImage(ctx context.Context, id string) error {
	img, err := idx.storage.GetImage(ctx, id)
	if err != nil {
		return err
	}
	if err := idx.storage.DeleteImage(ctx, id); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if !fileid.IsFileID(id) && idx.imageDir != "" && inDir(idx.imageDir, img.Path) {
		if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
			idx.logger.Warn("indexer could not remove image file", zap.String("path", img.Path), zap.Error(err))
		}
	}
	return nil
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// BackfillStats counts the outcome of a Backfill run.
type BackfillStats struct {
	Indexed int64 `json:"indexed"`
	Failed  int64 `json:"failed"`
}

// Backfill fingerprints every image that has none, using the configured number of
// workers. Images that cannot be read or decoded are counted as failed and left
// without a fingerprint.
func (idx *Indexer) Backfill(ctx context.Context) (BackfillStats, error) {
	var stats BackfillStats
	images, err := idx.storage.ListImagesMissingFingerprint(ctx, -1)
	if err != nil {
		return stats, fmt.Errorf("list images: %w", err)
	}
	idx.logger.Info("indexer backfill starting", zap.Int("images", len(images)), zap.Int("workers", idx.workers))

	var indexed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.workers)
	for _, img := range images {
		img := img
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(img.Path)
			if err == nil {
				var fp phash.Fingerprint
				if fp, err = idx.hasher.Hash(data); err == nil {
					if err := idx.storage.SetImageFingerprint(gctx, img.ID, fp); err != nil {
						return fmt.Errorf("store fingerprint for %s: %w", img.ID, err)
					}
					indexed.Add(1)
					return nil
				}
			}
			failed.Add(1)
			idx.logger.Warn("indexer backfill failed",
				zap.String("image_id", img.ID), zap.String("path", img.Path), zap.Error(err))
			return nil
		})
	}
	err = g.Wait()
	stats.Indexed, stats.Failed = indexed.Load(), failed.Load()
	idx.logger.Info("indexer backfill finished", zap.Int64("indexed", stats.Indexed), zap.Int64("failed", stats.Failed))
	return stats, err
}
