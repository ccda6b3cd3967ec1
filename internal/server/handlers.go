package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/storage"
	"go.uber.org/zap"
)

// multipartOverhead is the room left for multipart headers and other form fields
// on top of the image itself.
const multipartOverhead = 64 << 10

// fallbackListTimeout bounds the recent-products listing that replaces a failed search.
const fallbackListTimeout = 2 * time.Second

var errUploadTooLarge = errors.New("image too large")

func (s *Server) handleImageSearch(w http.ResponseWriter, r *http.Request) {
	data, _, status, err := s.readImage(w, r)
	if err != nil {
		s.respondError(w, status, err.Error())
		return
	}
	cfg := s.engine.Config()
	topK := -1
	if v := r.FormValue("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "top_k must be an integer")
			return
		}
		topK = n
	}
	topK = cfg.ClampTopK(topK)

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()
	out := s.engine.Search(ctx, data, topK)

	resp := &models.SimilarityResponse{
		ProductIDs: []int64{},
		Scores:     []models.ScoredProduct{},
		Mode:       string(out.Mode),
		Timings:    &out.Timings,
		Products:   []*models.Product{},
	}
	if out.Matched() {
		if err := s.hydrate(ctx, resp, out.Results); err != nil {
			s.logger.Warn("similarity hydrate failed", zap.Error(err))
			resp.Mode = string(search.ModeFallback)
			s.substituteRecent(r.Context(), resp, topK)
		}
	} else {
		s.logger.Debug("similarity fallback", zap.Error(out.Reason))
		s.substituteRecent(r.Context(), resp, topK)
	}

	w.Header().Set("X-Similarity-Mode", resp.Mode)
	w.Header().Set("X-Similarity-Timing", formatTimings(out.Timings))
	s.respondJSON(w, http.StatusOK, resp)
}

// hydrate loads ranked products in rank order. Cached rankings may name products
// blocked or unpublished since they were cached; those are dropped.
func (s *Server) hydrate(ctx context.Context, resp *models.SimilarityResponse, results []models.ScoredProduct) error {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ProductID
	}
	products, err := s.storage.Hydrate(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[int64]*models.Product, len(products))
	for _, p := range products {
		if p.Eligible() {
			byID[p.ID] = p
		}
	}
	for _, r := range results {
		p, ok := byID[r.ProductID]
		if !ok {
			continue
		}
		resp.ProductIDs = append(resp.ProductIDs, r.ProductID)
		resp.Scores = append(resp.Scores, r)
		resp.Products = append(resp.Products, p)
	}
	return nil
}

// substituteRecent fills a fallback response with the newest listings. The search
// deadline may already have expired, so the listing gets its own short deadline;
// if it still fails the response stays empty.
func (s *Server) substituteRecent(parent context.Context, resp *models.SimilarityResponse, topK int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), fallbackListTimeout)
	defer cancel()
	recent, err := s.storage.ListRecentProducts(ctx, topK)
	if err != nil {
		s.logger.Warn("similarity fallback listing failed", zap.Error(err))
		return
	}
	for _, p := range recent {
		resp.ProductIDs = append(resp.ProductIDs, p.ID)
		resp.Products = append(resp.Products, p)
	}
}

func formatTimings(t models.Timings) string {
	return fmt.Sprintf("hash=%.2fms;scan=%.2fms;rank=%.2fms;total=%.2fms", t.HashMs, t.ScanMs, t.RankMs, t.TotalMs)
}

// readImage reads the multipart "image" field, enforcing the upload size limit and
// an image/* content type. On failure it returns the HTTP status to answer with.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (data []byte, filename string, status int, err error) {
	limit := s.config.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return nil, "", http.StatusRequestEntityTooLarge, errUploadTooLarge
		}
		return nil, "", http.StatusBadRequest, fmt.Errorf("invalid multipart form")
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, "", http.StatusBadRequest, fmt.Errorf("image file is required")
	}
	defer file.Close()
	if header.Size > limit {
		return nil, "", http.StatusRequestEntityTooLarge, errUploadTooLarge
	}
	data, err = io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, "", http.StatusBadRequest, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", http.StatusRequestEntityTooLarge, errUploadTooLarge
	}
	if len(data) == 0 {
		return nil, "", http.StatusBadRequest, fmt.Errorf("image file is empty")
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return nil, "", http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content type %s", ct)
	}
	return data, header.Filename, http.StatusOK, nil
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var input models.ProductInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.Title == nil {
		s.respondError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := input.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := &models.Product{}
	input.Apply(p)
	if err := s.storage.CreateProduct(r.Context(), p); err != nil {
		s.logger.Error("create product failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("product created", zap.Int64("id", p.ID))
	s.respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProduct(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProduct(w, r)
	if !ok {
		return
	}
	var input models.ProductInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := input.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	input.Apply(p)
	if err := s.storage.UpdateProduct(r.Context(), p); err != nil {
		s.storageError(w, "update product failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProduct(w, r)
	if !ok {
		return
	}
	images, err := s.storage.ListImagesByProduct(r.Context(), p.ID)
	if err != nil {
		s.storageError(w, "list images failed", err)
		return
	}
	for _, img := range images {
		if err := s.indexer.DeleteImage(r.Context(), img.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.storageError(w, "delete image failed", err)
			return
		}
	}
	if err := s.storage.DeleteProduct(r.Context(), p.ID); err != nil {
		s.storageError(w, "delete product failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProduct(w, r)
	if !ok {
		return
	}
	images, err := s.storage.ListImagesByProduct(r.Context(), p.ID)
	if err != nil {
		s.storageError(w, "list images failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"images": images})
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProduct(w, r)
	if !ok {
		return
	}
	data, filename, status, err := s.readImage(w, r)
	if err != nil {
		s.respondError(w, status, err.Error())
		return
	}
	img, err := s.indexer.IndexUpload(r.Context(), p.ID, filename, data)
	switch {
	case img == nil && err != nil:
		s.storageError(w, "upload image failed", err)
	case errors.Is(err, phash.ErrInvalidImage), errors.Is(err, phash.ErrImageTooLarge):
		// Stored without a fingerprint: it stays out of the candidate pool.
		s.respondJSON(w, http.StatusAccepted, map[string]interface{}{"image": img, "warning": err.Error()})
	case err != nil:
		s.storageError(w, "upload image failed", err)
	default:
		s.respondJSON(w, http.StatusCreated, map[string]interface{}{"image": img})
	}
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete image request", zap.String("id", id))
	if err := s.indexer.DeleteImage(r.Context(), id); err != nil {
		s.storageError(w, "delete image failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	products, err := s.storage.CountProducts(ctx)
	if err != nil {
		s.storageError(w, "status: count products failed", err)
		return
	}
	images, err := s.storage.CountImages(ctx)
	if err != nil {
		s.storageError(w, "status: count images failed", err)
		return
	}
	fingerprinted, err := s.storage.CountFingerprinted(ctx)
	if err != nil {
		s.storageError(w, "status: count fingerprints failed", err)
		return
	}
	cfg := s.engine.Config()
	resp := map[string]interface{}{
		"products":      products,
		"images":        images,
		"fingerprinted": fingerprinted,
		"pool_size":     cfg.PoolSize,
	}
	if s.cache != nil {
		resp["cache"] = map[string]interface{}{
			"entries":  s.cache.Len(),
			"capacity": s.cache.Capacity(),
			"ttl":      s.cache.TTL().String(),
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) loadProduct(w http.ResponseWriter, r *http.Request) (*models.Product, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid product id")
		return nil, false
	}
	p, err := s.storage.GetProduct(r.Context(), id)
	if err != nil {
		s.storageError(w, "get product failed", err)
		return nil, false
	}
	return p, true
}

func (s *Server) storageError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error(msg, zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
