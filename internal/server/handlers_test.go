package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/mirip/internal/cache"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/storage"
	"go.uber.org/zap"
)

type testEnv struct {
	store   *storage.SQLiteStorage
	cache   *cache.MemoryCache
	handler http.Handler
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(dir + "/catalog.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	simCfg := config.SimilarityConfig{}
	resultCache := cache.NewMemoryCache(time.Minute, 64)
	hasher := phash.NewHasher(phash.DefaultMaxPixels)
	engine := search.NewEngine(hasher, store, resultCache, simCfg, zap.NewNop())
	idx := indexer.NewIndexer(store, hasher, dir+"/images", &config.IndexerConfig{Workers: 2})

	srvCfg := &config.ServerConfig{
		MaxUploadBytes: 1 << 20,
		RequestTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(srvCfg)
	}
	srv := NewServer(engine, idx, store, resultCache, srvCfg, zap.NewNop())
	return &testEnv{store: store, cache: resultCache, handler: srv.Router()}
}

func (e *testEnv) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *testEnv) createProduct(t *testing.T, title string, status models.ProductStatus) int64 {
	t.Helper()
	body := `{"title":"` + title + `","price_cents":1500,"status":"` + string(status) + `"}`
	w := e.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("create product: status %d body %s", w.Code, w.Body.String())
	}
	var p models.Product
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	return p.ID
}

func rampPNG(t *testing.T, falling bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 90, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 90; x++ {
			v := uint8(x * 255 / 89)
			if falling {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if data != nil {
		part, err := mw.CreateFormFile("image", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, target, &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func (e *testEnv) upload(t *testing.T, productID int64, data []byte) {
	t.Helper()
	target := "/api/v1/products/" + strconv.FormatInt(productID, 10) + "/images"
	w := e.do(t, multipartRequest(t, target, "front.png", data, nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: status %d body %s", w.Code, w.Body.String())
	}
}

func decodeSimilarity(t *testing.T, w *httptest.ResponseRecorder) models.SimilarityResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("search: status %d body %s", w.Code, w.Body.String())
	}
	var resp models.SimilarityResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestProductCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProduct(t, "Blue mug", models.StatusDraft)
	path := "/api/v1/products/" + strconv.FormatInt(id, 10)

	w := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}

	w = env.do(t, httptest.NewRequest(http.MethodPatch, path, strings.NewReader(`{"status":"published","blocked":true}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("patch: status %d body %s", w.Code, w.Body.String())
	}
	var p models.Product
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != models.StatusPublished || !p.Blocked || p.Title != "Blue mug" {
		t.Errorf("patched product = %+v", p)
	}

	w = env.do(t, httptest.NewRequest(http.MethodPatch, path, strings.NewReader(`{"status":"archived"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid patch: status %d, want 400", w.Code)
	}

	w = env.do(t, httptest.NewRequest(http.MethodDelete, path, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", w.Code)
	}
}

func TestHandleCreateProduct_validation(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []string{
		`not json`,
		`{"price_cents":10}`,
		`{"title":"x","price_cents":-1}`,
	}
	for _, body := range tests {
		w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status %d, want 400", body, w.Code)
		}
	}
}

func TestHandleGetProduct_invalidID(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/products/abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestHandleImageSearch_matched(t *testing.T) {
	env := newTestEnv(t, nil)
	falling := env.createProduct(t, "Falling", models.StatusPublished)
	rising := env.createProduct(t, "Rising", models.StatusPublished)
	env.upload(t, falling, rampPNG(t, true))
	env.upload(t, rising, rampPNG(t, false))

	w := env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", rampPNG(t, true), map[string]string{"top_k": "1"}))
	resp := decodeSimilarity(t, w)
	if resp.Mode != "matched" {
		t.Fatalf("mode = %q", resp.Mode)
	}
	if len(resp.ProductIDs) != 1 || resp.ProductIDs[0] != falling {
		t.Errorf("product_ids = %v, want [%d]", resp.ProductIDs, falling)
	}
	if len(resp.Scores) != 1 || resp.Scores[0].Distance != 0 {
		t.Errorf("scores = %+v", resp.Scores)
	}
	if len(resp.Products) != 1 || resp.Products[0].Title != "Falling" {
		t.Errorf("products = %+v", resp.Products)
	}
	if resp.Timings == nil {
		t.Error("timings missing")
	}
	if got := w.Header().Get("X-Similarity-Mode"); got != "matched" {
		t.Errorf("X-Similarity-Mode = %q", got)
	}
	if got := w.Header().Get("X-Similarity-Timing"); !strings.Contains(got, "total=") {
		t.Errorf("X-Similarity-Timing = %q", got)
	}
}

func TestHandleImageSearch_dropsProductsBlockedAfterCaching(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createProduct(t, "A", models.StatusPublished)
	b := env.createProduct(t, "B", models.StatusPublished)
	env.upload(t, a, rampPNG(t, true))
	env.upload(t, b, rampPNG(t, false))

	query := rampPNG(t, true)
	first := decodeSimilarity(t, env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", query, nil)))
	if len(first.ProductIDs) != 2 {
		t.Fatalf("first search product_ids = %v", first.ProductIDs)
	}
	if env.cache.Len() != 1 {
		t.Fatalf("cache entries = %d, want 1", env.cache.Len())
	}

	path := "/api/v1/products/" + strconv.FormatInt(a, 10)
	if w := env.do(t, httptest.NewRequest(http.MethodPatch, path, strings.NewReader(`{"blocked":true}`))); w.Code != http.StatusOK {
		t.Fatalf("block: status %d", w.Code)
	}
	second := decodeSimilarity(t, env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", query, nil)))
	if len(second.ProductIDs) != 1 || second.ProductIDs[0] != b {
		t.Errorf("second search product_ids = %v, want [%d]", second.ProductIDs, b)
	}
	if len(second.Scores) != len(second.Products) {
		t.Errorf("scores and products out of step: %d vs %d", len(second.Scores), len(second.Products))
	}
}

func TestHandleImageSearch_fallbackUsesRecentProducts(t *testing.T) {
	env := newTestEnv(t, nil)
	older := env.createProduct(t, "Older", models.StatusPublished)
	newer := env.createProduct(t, "Newer", models.StatusPublished)
	env.createProduct(t, "Hidden", models.StatusDraft)

	w := env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", rampPNG(t, true), nil))
	resp := decodeSimilarity(t, w)
	if resp.Mode != "fallback" {
		t.Fatalf("mode = %q, want fallback", resp.Mode)
	}
	if len(resp.ProductIDs) != 2 || resp.ProductIDs[0] != newer || resp.ProductIDs[1] != older {
		t.Errorf("product_ids = %v, want [%d %d]", resp.ProductIDs, newer, older)
	}
	if len(resp.Scores) != 0 {
		t.Errorf("fallback scores = %+v", resp.Scores)
	}
	if got := w.Header().Get("X-Similarity-Mode"); got != "fallback" {
		t.Errorf("X-Similarity-Mode = %q", got)
	}
}

func TestHandleImageSearch_undecodableImageFallsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createProduct(t, "A", models.StatusPublished)
	env.upload(t, p, rampPNG(t, true))

	// Valid PNG signature so it passes the content sniff, but not decodable.
	broken := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
	resp := decodeSimilarity(t, env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", broken, nil)))
	if resp.Mode != "fallback" {
		t.Errorf("mode = %q, want fallback", resp.Mode)
	}
}

func TestHandleImageSearch_rejections(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.MaxUploadBytes = 4 << 10 })
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing file", multipartRequest(t, "/api/v1/search/image", "", nil, map[string]string{"top_k": "3"}), http.StatusBadRequest},
		{"not an image", multipartRequest(t, "/api/v1/search/image", "q.txt", []byte("hello, plain text"), nil), http.StatusUnsupportedMediaType},
		{"too large", multipartRequest(t, "/api/v1/search/image", "q.png", bytes.Repeat([]byte{0x89}, 8<<10), nil), http.StatusRequestEntityTooLarge},
		{"bad top_k", multipartRequest(t, "/api/v1/search/image", "q.png", rampPNG(t, true), map[string]string{"top_k": "many"}), http.StatusBadRequest},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/api/v1/search/image", strings.NewReader("{}")), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.req)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHandleImageSearch_rateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	w := env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", rampPNG(t, true), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first: status %d", w.Code)
	}
	w = env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", rampPNG(t, true), nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second: status %d, want 429", w.Code)
	}
}

func TestHandleUploadImage_unknownProduct(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, multipartRequest(t, "/api/v1/products/999/images", "a.png", rampPNG(t, true), nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestHandleDeleteImage(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createProduct(t, "A", models.StatusPublished)
	env.upload(t, p, rampPNG(t, true))
	images, err := env.store.ListImagesByProduct(context.Background(), p)
	if err != nil || len(images) != 1 {
		t.Fatalf("images = %v, err %v", images, err)
	}
	w := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/images/"+images[0].ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/images/"+images[0].ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.createProduct(t, "A", models.StatusPublished)
	env.upload(t, p, rampPNG(t, true))

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var out struct {
		Products      int64 `json:"products"`
		Images        int64 `json:"images"`
		Fingerprinted int64 `json:"fingerprinted"`
		PoolSize      int   `json:"pool_size"`
		Cache         struct {
			Capacity int `json:"capacity"`
		} `json:"cache"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Products != 1 || out.Images != 1 || out.Fingerprinted != 1 {
		t.Errorf("counts = %+v", out)
	}
	if out.PoolSize != config.DefaultPoolSize || out.Cache.Capacity != 64 {
		t.Errorf("pool_size %d, cache capacity %d", out.PoolSize, out.Cache.Capacity)
	}
}

func TestHandleImageSearch_unavailableStoreStillAnswers(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.store.Close(); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", rampPNG(t, true), nil))
	resp := decodeSimilarity(t, w)
	if resp.Mode != "fallback" {
		t.Errorf("mode = %q, want fallback", resp.Mode)
	}
	if len(resp.ProductIDs) != 0 || len(resp.Products) != 0 {
		t.Errorf("product_ids = %v, products = %d, want empty", resp.ProductIDs, len(resp.Products))
	}
	if got := w.Header().Get("X-Similarity-Mode"); got != "fallback" {
		t.Errorf("X-Similarity-Mode = %q", got)
	}
	if got := w.Header().Get("X-Similarity-Timing"); got == "" {
		t.Error("X-Similarity-Timing missing")
	}
}

func TestHandleImageSearch_expiredDeadlineStillSubstitutes(t *testing.T) {
	env := newTestEnv(t, func(c *config.ServerConfig) { c.RequestTimeout = time.Nanosecond })
	p := env.createProduct(t, "Recent", models.StatusPublished)
	env.upload(t, p, rampPNG(t, true))

	w := env.do(t, multipartRequest(t, "/api/v1/search/image", "q.png", rampPNG(t, true), nil))
	resp := decodeSimilarity(t, w)
	if resp.Mode != "fallback" {
		t.Fatalf("mode = %q, want fallback", resp.Mode)
	}
	if len(resp.ProductIDs) != 1 || resp.ProductIDs[0] != p {
		t.Errorf("product_ids = %v, want [%d]", resp.ProductIDs, p)
	}
	if got := w.Header().Get("X-Similarity-Mode"); got != "fallback" {
		t.Errorf("X-Similarity-Mode = %q", got)
	}
}
