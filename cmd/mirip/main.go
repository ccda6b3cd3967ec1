// Package main is the Mirip CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/hyperjump/mirip/internal/cache"
	"github.com/hyperjump/mirip/internal/cli"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/server"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/watcher"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/mirip/config.yaml"

// loadConfig loads config from path. When path is the default, a config.yaml in the
// current directory takes precedence so "mirip server" from a project dir uses the
// project's config. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "hash":
		runHash()
	case "index":
		runIndex()
	case "search":
		runSearch()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("mirip version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (fallback reasons, file indexing, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	var watchSvc *watcher.Watcher
	if len(cfg.Watch.Directories) > 0 {
		watchSvc = watcher.NewWatcher(
			cfg.Watch.Directories,
			cfg.Watch.Extensions,
			cfg.Watch.RecursiveOrDefault(),
			components.Indexer,
			watcher.WithLogger(utils.Component(logger, "watcher")),
		)
		if err := watchSvc.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		go watchSvc.SyncExistingFiles()
	}

	srv := server.NewServer(
		components.Engine,
		components.Indexer,
		components.Storage,
		components.Cache,
		&cfg.Server,
		utils.Component(logger, "server"),
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	if watchSvc != nil {
		watchSvc.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runHash() {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	maxPixels := fs.Int64("max-pixels", phash.DefaultMaxPixels, "decoded pixel ceiling")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() < 1 {
		fmt.Println("Usage: mirip hash [flags] <image>...")
		os.Exit(1)
	}
	format, ok := parseFormat(*outputFormat)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}

	results := hashFiles(phash.NewHasher(*maxPixels), fs.Args())
	if err := cli.WriteHashResults(os.Stdout, results, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	for _, r := range results {
		if r.Error != "" {
			os.Exit(1)
		}
	}
}

func hashFiles(hasher *phash.Hasher, paths []string) []cli.HashResult {
	results := make([]cli.HashResult, 0, len(paths))
	for _, path := range paths {
		res := cli.HashResult{Path: path}
		data, err := os.ReadFile(path)
		if err == nil {
			var fp phash.Fingerprint
			if fp, err = hasher.Hash(data); err == nil {
				res.Fingerprint = fp.String()
			}
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	ctx := context.Background()
	// With a path, index that <root>/<product id>/<image> tree first.
	if fs.NArg() > 0 {
		path := fs.Arg(0)
		info, err := os.Stat(path)
		if err != nil {
			fmt.Printf("Failed to stat path: %v\n", err)
			os.Exit(1)
		}
		if info.IsDir() {
			n, err := components.Indexer.IndexDirectory(ctx, path, cfg.Watch.Extensions)
			fmt.Printf("Indexed %d image(s) from %s\n", n, path)
			if err != nil {
				fmt.Printf("Some images failed: %v\n", err)
			}
		} else if err := components.Indexer.IndexFile(ctx, path, nil); err != nil {
			fmt.Printf("Indexing failed: %v\n", err)
			os.Exit(1)
		} else {
			fmt.Printf("Image indexed: %s\n", path)
		}
	}

	stats, err := components.Indexer.Backfill(ctx)
	if err != nil {
		fmt.Printf("Backfill failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backfill: %d fingerprinted, %d failed\n", stats.Indexed, stats.Failed)
}

// argsReorder moves any flags (and their values) that appear after the positional
// arguments to the front so that flag.Parse() sees them. Go's flag package stops
// at the first non-flag argument, so "mirip search mug.jpg -top-k 5" would
// otherwise leave -top-k unparsed.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func parseFormat(s string) (cli.OutputFormat, bool) {
	switch s {
	case "text", "":
		return cli.OutputText, true
	case "json":
		return cli.OutputJSON, true
	}
	return "", false
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	topK := fs.Int("top-k", -1, "number of products (negative = server default)")
	asJSON := fs.Bool("json", false, "print the raw JSON response")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: mirip search [flags] <image>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(argsReorder(os.Args[2:]))
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	response, err := searchViaHTTP(*serverURL, fs.Arg(0), *topK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	format := cli.OutputText
	if *asJSON {
		format = cli.OutputJSON
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// newSearchRequest builds the multipart upload for POST /api/v1/search/image.
func newSearchRequest(serverURL, path string, topK int) (*http.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if topK >= 0 {
		if err := mw.WriteField("top_k", strconv.Itoa(topK)); err != nil {
			return nil, err
		}
	}
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+"/api/v1/search/image", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func searchViaHTTP(serverURL, path string, topK int) (*models.SimilarityResponse, error) {
	req, err := newSearchRequest(serverURL, path, topK)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var response models.SimilarityResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

type cacheStatus struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	TTL      string `json:"ttl"`
}

// statusResponse is the shape of GET /api/v1/status response.
type statusResponse struct {
	Products      int64        `json:"products"`
	Images        int64        `json:"images"`
	Fingerprinted int64        `json:"fingerprinted"`
	PoolSize      int          `json:"pool_size"`
	Cache         *cacheStatus `json:"cache,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status *statusResponse
	var err error
	if *serverURL != "" {
		status, err = statusViaHTTP(*serverURL)
	} else {
		status, err = statusFromStorage(*configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		writeStatusText(os.Stdout, status)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func writeStatusText(w io.Writer, status *statusResponse) {
	fmt.Fprintf(w, "products:       %d\n", status.Products)
	fmt.Fprintf(w, "images:         %d\n", status.Images)
	fmt.Fprintf(w, "fingerprinted:  %d   # images in the candidate pool source\n", status.Fingerprinted)
	fmt.Fprintf(w, "pool_size:      %d\n", status.PoolSize)
	if status.Cache != nil {
		fmt.Fprintf(w, "cache:          %d/%d entries, ttl %s\n", status.Cache.Entries, status.Cache.Capacity, status.Cache.TTL)
	}
}

func statusFromStorage(configPath string) (*statusResponse, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	ctx := context.Background()
	status := &statusResponse{PoolSize: cfg.Similarity.Normalized().PoolSize}
	if status.Products, err = store.CountProducts(ctx); err != nil {
		return nil, err
	}
	if status.Images, err = store.CountImages(ctx); err != nil {
		return nil, err
	}
	if status.Fingerprinted, err = store.CountFingerprinted(ctx); err != nil {
		return nil, err
	}
	return status, nil
}

func statusViaHTTP(serverURL string) (*statusResponse, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

// Components holds initialized services.
type Components struct {
	Storage *storage.SQLiteStorage
	Cache   *cache.MemoryCache
	Engine  *search.Engine
	Indexer *indexer.Indexer
}

func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	sim := cfg.Similarity.Normalized()
	hasher := phash.NewHasher(sim.MaxPixels)
	resultCache := cache.NewMemoryCache(sim.CacheTTL, sim.CacheCapacity)
	engine := search.NewEngine(hasher, store, resultCache, sim, utils.Component(logger, "search"))
	idx := indexer.NewIndexer(store, hasher, cfg.Storage.ImageDir, &cfg.Indexer,
		indexer.WithLogger(utils.Component(logger, "indexer")))

	logger.Info("similarity engine initialized",
		zap.Int("pool_size", sim.PoolSize),
		zap.Duration("cache_ttl", resultCache.TTL()),
		zap.Int("cache_capacity", resultCache.Capacity()),
		zap.Int64("max_pixels", hasher.MaxPixels()),
	)
	return &Components{
		Storage: store,
		Cache:   resultCache,
		Engine:  engine,
		Indexer: idx,
	}, nil
}

func printUsage() {
	fmt.Println(`mirip - Visual similarity search for product catalogs

Usage:
  mirip server [flags]            Start the HTTP server
  mirip hash [flags] <image>...   Print perceptual fingerprints
  mirip index [flags] [path]      Index an image tree, then fingerprint images missing one
  mirip search [flags] <image>    Find products that look like an image (needs a running server)
  mirip status [flags]            Show catalog and cache status
  mirip version                   Show version
  mirip help                      Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/mirip/config.yaml)
  --debug            Enable debug logging

Hash Flags:
  --max-pixels int   Decoded pixel ceiling (default: 40000000)
  --output string    Output format: text or json (default: text)

Index Flags:
  --config string    Config file path

Search Flags:
  --server string    Server URL (default: http://localhost:8080)
  --top-k int        Number of products (default: server default)
  --json             Print the raw JSON response

Status Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8080). Use empty (--server "") for direct storage.
  --output string    Output format: text or json (default: text)

Examples:
  mirip server
  mirip hash front.jpg side.jpg
  mirip index ./catalog-images
  mirip search mug.jpg --top-k 12
  mirip status --output json`)
}
