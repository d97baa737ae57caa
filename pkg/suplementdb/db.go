// Package suplementdb provides the main API for embedded SuplementDB
// usage. It wires the tiered cache, the vector store, the embedding
// provider, the evidence validator, and the discovery pipeline into one
// handle the CLI and the HTTP server share.
//
// Example Usage:
//
//	cfg := config.Default()
//	cfg.Database.DataDir = "./data"
//
//	db, err := suplementdb.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	res, err := db.Search(ctx, "magnesium glycinate", resolver.Options{})
package suplementdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/latisnere77/SuplementIA-sub012/pkg/cache"
	"github.com/latisnere77/SuplementIA-sub012/pkg/compat"
	"github.com/latisnere77/SuplementIA-sub012/pkg/config"
	"github.com/latisnere77/SuplementIA-sub012/pkg/discovery"
	"github.com/latisnere77/SuplementIA-sub012/pkg/embed"
	"github.com/latisnere77/SuplementIA-sub012/pkg/evidence"
	"github.com/latisnere77/SuplementIA-sub012/pkg/index"
	"github.com/latisnere77/SuplementIA-sub012/pkg/resolver"
	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

// Overrides lets callers swap external collaborators, mainly for tests
// and offline use. Zero values build the configured defaults.
type Overrides struct {
	// Embedder replaces the configured embedding provider.
	Embedder embed.Embedder
	// Validator replaces the PubMed evidence validator.
	Validator evidence.Validator
	// Legacy is the fallback lookup used by the compatibility shim.
	Legacy compat.LegacyLookup
}

// DB is an open SuplementDB instance.
type DB struct {
	cfg *config.Config

	store    *index.Store
	caches   *cache.TieredCache
	diskTier *cache.BadgerTier
	queue    *discovery.Queue
	worker   *discovery.Worker
	embedder embed.Embedder
	resolver *resolver.Resolver
	shim     *compat.Shim
}

// Open creates or opens a SuplementDB instance from configuration.
func Open(cfg *config.Config) (*DB, error) {
	return OpenWith(cfg, Overrides{})
}

// OpenWith opens a SuplementDB instance with collaborator overrides.
func OpenWith(cfg *config.Config, ov Overrides) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Database.InMemory {
		for _, sub := range []string{"index", "cache", "queue"} {
			if err := os.MkdirAll(filepath.Join(cfg.Database.DataDir, sub), 0755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
	}

	embedder := ov.Embedder
	if embedder == nil {
		backend, err := embed.NewEmbedder(&embed.Config{
			Provider:   cfg.Embedding.Provider,
			APIURL:     cfg.Embedding.APIURL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Database.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		embedder = embed.NewCached(backend, cfg.Embedding.CacheCapacity)
	}

	store, err := index.Open(index.Options{
		DataDir:    filepath.Join(cfg.Database.DataDir, "index"),
		InMemory:   cfg.Database.InMemory,
		SyncWrites: cfg.Database.SyncWrites,
		Dimensions: cfg.Database.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	db := &DB{cfg: cfg, store: store, embedder: embedder}

	tiers := []cache.Tier{cache.NewMemoryTier(cfg.Cache.MemoryCapacity, cfg.Cache.TTL)}
	if cfg.Cache.DiskEnabled {
		disk, err := cache.NewBadgerTier(cache.BadgerTierOptions{
			DataDir:  filepath.Join(cfg.Database.DataDir, "cache"),
			InMemory: cfg.Database.InMemory,
			TTL:      cfg.Cache.TTL,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening cache tier: %w", err)
		}
		db.diskTier = disk
		tiers = append(tiers, disk)
	}
	db.caches = cache.NewTiered(tiers...)

	db.queue, err = discovery.NewQueue(discovery.Options{
		DataDir:          filepath.Join(cfg.Database.DataDir, "queue"),
		InMemory:         cfg.Database.InMemory,
		OccurrenceWeight: cfg.Discovery.OccurrenceWeight,
		AgeWeight:        cfg.Discovery.AgeWeight,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening discovery queue: %w", err)
	}

	if cfg.Discovery.Enabled {
		validator := ov.Validator
		if validator == nil {
			validator = evidence.NewPubMed(evidence.PubMedOptions{
				BaseURL: cfg.Evidence.PubMedBaseURL,
				APIKey:  cfg.Evidence.PubMedAPIKey,
			})
		}
		db.worker = discovery.NewWorker(db.queue, store, embedder, validator, db.caches,
			&discovery.WorkerConfig{
				ScanInterval: cfg.Discovery.ScanInterval,
				MaxRetries:   cfg.Discovery.MaxRetries,
				Retention:    cfg.Discovery.Retention,
				GCInterval:   cfg.Discovery.GCInterval,
			})
	}

	resolverCfg := resolver.Config{
		Caches:      db.caches,
		Store:       store,
		Embedder:    embedder,
		Queue:       db.queue,
		StepTimeout: cfg.Resolver.StepTimeout,
	}
	if db.worker != nil {
		resolverCfg.Waker = db.worker
	}
	db.resolver = resolver.New(resolverCfg)
	db.shim = compat.NewShim(db.resolver, ov.Legacy)

	return db, nil
}

// Close shuts down the worker and releases every store. Safe to call on
// a partially opened instance.
func (db *DB) Close() error {
	var firstErr error

	if db.worker != nil {
		db.worker.Close()
		db.worker = nil
	}
	if db.queue != nil {
		if err := db.queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.queue = nil
	}
	if db.diskTier != nil {
		if err := db.diskTier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.diskTier = nil
	}
	if db.store != nil {
		if err := db.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.store = nil
	}

	return firstErr
}

// Search resolves a free-text query through the full pipeline,
// including legacy fallback when one is configured.
func (db *DB) Search(ctx context.Context, query string, opts resolver.Options) (*compat.Response, error) {
	return db.shim.Search(ctx, query, opts)
}

// Insert adds a supplement record, computing its embedding when the
// input carries no vector.
func (db *DB) Insert(ctx context.Context, in *supplement.Input) (*supplement.Supplement, error) {
	return db.resolver.Insert(ctx, in)
}

// Resolver exposes the resolution pipeline for the HTTP server.
func (db *DB) Resolver() *resolver.Resolver { return db.resolver }

// Shim exposes the compatibility shim for the HTTP server.
func (db *DB) Shim() *compat.Shim { return db.shim }

// Store exposes the vector store.
func (db *DB) Store() *index.Store { return db.store }

// Queue exposes the discovery queue.
func (db *DB) Queue() *discovery.Queue { return db.queue }

// Worker exposes the discovery worker, nil when discovery is disabled.
func (db *DB) Worker() *discovery.Worker { return db.worker }
