package config

import (
	"time"

	"github.com/hyperjump/mirip/internal/cache"
	"github.com/hyperjump/mirip/internal/phash"
)

// Similarity limits. PoolSize is clamped to [MinPoolSize, MaxPoolSize]. Cache and
// pixel limits are owned by the packages that enforce them.
const (
	DefaultPoolSize      = 2000
	MinPoolSize          = 500
	MaxPoolSize          = 10000
	DefaultCacheTTL      = cache.DefaultTTL
	MinCacheTTL          = cache.MinTTL
	DefaultCacheCapacity = cache.DefaultCapacity
	MinCacheCapacity     = cache.MinCapacity
	DefaultMaxPixels     = phash.DefaultMaxPixels
	DefaultTopK          = 24
	DefaultMaxTopK       = 100
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 10 << 20
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 10
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 20
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/mirip/data/db/catalog.db"
	}
	if cfg.Storage.ImageDir == "" {
		cfg.Storage.ImageDir = "/usr/local/var/mirip/data/images"
	}
	if cfg.Indexer.Workers == 0 {
		cfg.Indexer.Workers = 4
	}
	cfg.Similarity = cfg.Similarity.Normalized()
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}

// Normalized returns a copy with zero values defaulted and out-of-range values clamped.
func (s SimilarityConfig) Normalized() SimilarityConfig {
	if s.PoolSize == 0 {
		s.PoolSize = DefaultPoolSize
	}
	s.PoolSize = clamp(s.PoolSize, MinPoolSize, MaxPoolSize)
	if s.CacheTTL == 0 {
		s.CacheTTL = DefaultCacheTTL
	}
	if s.CacheTTL < MinCacheTTL {
		s.CacheTTL = MinCacheTTL
	}
	if s.CacheCapacity == 0 {
		s.CacheCapacity = DefaultCacheCapacity
	}
	if s.CacheCapacity < MinCacheCapacity {
		s.CacheCapacity = MinCacheCapacity
	}
	if s.MaxPixels <= 0 {
		s.MaxPixels = DefaultMaxPixels
	}
	if s.MaxTopK <= 0 {
		s.MaxTopK = DefaultMaxTopK
	}
	if s.DefaultTopK <= 0 {
		s.DefaultTopK = DefaultTopK
	}
	if s.DefaultTopK > s.MaxTopK {
		s.DefaultTopK = s.MaxTopK
	}
	return s
}

// ClampTopK bounds a requested result size to [0, MaxTopK]; a negative request selects DefaultTopK.
func (s SimilarityConfig) ClampTopK(k int) int {
	if k < 0 {
		return s.DefaultTopK
	}
	return clamp(k, 0, s.MaxTopK)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
