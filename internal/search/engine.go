// Package search runs image similarity searches: hash the upload, consult the
// result cache, scan the candidate pool, rank, and cache the ranking.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mirip/internal/cache"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
	"github.com/hyperjump/mirip/internal/ranking"
)

// CandidateSource supplies the bounded, most-recent-first candidate pool.
type CandidateSource interface {
	FetchCandidates(ctx context.Context, limit int) ([]models.IndexedImage, error)
}

// Hasher fingerprints encoded image bytes.
type Hasher interface {
	Hash(data []byte) (phash.Fingerprint, error)
}

// Engine runs similarity searches.
type Engine struct {
	hasher Hasher
	source CandidateSource
	cache  cache.ResultCache
	config config.SimilarityConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a search engine. cfg is normalized; a nil cache disables
// result caching and a nil hasher uses one bounded by cfg.MaxPixels.
func NewEngine(
	hasher Hasher,
	source CandidateSource,
	resultCache cache.ResultCache,
	cfg config.SimilarityConfig,
	logger *zap.Logger,
) *Engine {
	cfg = cfg.Normalized()
	if hasher == nil {
		hasher = phash.NewHasher(cfg.MaxPixels)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		hasher: hasher,
		source: source,
		cache:  resultCache,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the normalized similarity configuration.
func (e *Engine) Config() config.SimilarityConfig {
	return e.config
}

// Search fingerprints data and returns the topK most similar products. It never
// fails: any problem hashing, fetching, or ranking yields a fallback Outcome.
func (e *Engine) Search(ctx context.Context, data []byte, topK int) (out *Outcome) {
	start := e.now()
	if topK < 0 {
		topK = 0
	}
	defer func() {
		if r := recover(); r != nil {
			out = fallback(fmt.Errorf("%w: %v", ErrUnexpected, r))
		}
		out.Timings.TotalMs = e.since(start)
		e.log(out, topK)
	}()

	fp, err := e.hasher.Hash(data)
	hashMs := e.since(start)
	if err != nil {
		out = fallback(err)
		out.Timings.HashMs = hashMs
		return out
	}

	key := cache.Key(fp, topK)
	if e.cache != nil {
		if results, ok := e.cache.Get(key); ok {
			out = matched(results)
			out.CacheHit = true
			out.Timings.HashMs = hashMs
			return out
		}
	}

	scanStart := e.now()
	candidates, err := e.source.FetchCandidates(ctx, e.config.PoolSize)
	scanMs := e.since(scanStart)
	if err != nil {
		out = fallback(fmt.Errorf("%w: %w", ErrIndexUnavailable, err))
		out.Timings.HashMs, out.Timings.ScanMs = hashMs, scanMs
		return out
	}
	if len(candidates) == 0 {
		out = fallback(ErrNoCandidates)
		out.Timings.HashMs, out.Timings.ScanMs = hashMs, scanMs
		return out
	}

	rankStart := e.now()
	results := ranking.Rank(fp, candidates, topK)
	rankMs := e.since(rankStart)

	if e.cache != nil {
		e.cache.Put(key, results)
	}

	out = matched(results)
	out.Timings = models.Timings{HashMs: hashMs, ScanMs: scanMs, RankMs: rankMs}
	return out
}

func (e *Engine) since(t time.Time) float64 {
	return float64(e.now().Sub(t).Microseconds()) / 1000
}

func (e *Engine) log(out *Outcome, topK int) {
	if out.Matched() {
		e.logger.Debug("similarity search matched",
			zap.Int("top_k", topK),
			zap.Int("results", len(out.Results)),
			zap.Bool("cache_hit", out.CacheHit),
			zap.Float64("total_ms", out.Timings.TotalMs),
		)
		return
	}
	fields := []zap.Field{
		zap.Int("top_k", topK),
		zap.Error(out.Reason),
		zap.Float64("total_ms", out.Timings.TotalMs),
	}
	if errors.Is(out.Reason, ErrIndexUnavailable) || errors.Is(out.Reason, ErrUnexpected) {
		e.logger.Warn("similarity search fell back", fields...)
		return
	}
	// Undecodable uploads and an empty pool are expected.
	e.logger.Debug("similarity search fell back", fields...)
}
