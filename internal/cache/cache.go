/**
 * Extraction Cache - content addressed, append-only DocumentResult store
 *
 * One entry per cache key: a JSON header line (schema, key, creation time,
 * body checksum) followed by the serialized DocumentResult. Entries are
 * written once; an equal re-store is a no-op and a different one is a
 * conflict. Unreadable entries are misses and get superseded by the next
 * successful store.
 */

package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/logging"
	"github.com/adverant/nexus/fileprocess-extractor/internal/models"
)

// Backends
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Config selects and locates the store
type Config struct {
	Backend   string
	Directory string
	Logger    *logging.Logger
}

// Cache is the extraction cache
type Cache struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

// Open creates the configured store and wraps it in a Cache
func Open(cfg Config) (*Cache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case BackendFile, "":
		store, err = NewFileStore(cfg.Directory)
	case BackendBadger:
		store, err = OpenBadgerStore(cfg.Directory, logger.Named("badger"))
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Extraction cache opened", "backend", cfg.Backend, "directory", cfg.Directory)
	return New(store, logger), nil
}

// New wraps store
func New(store Store, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cache{store: store, logger: logger, now: time.Now}
}

// Lookup returns the stored result for key marked as a cache hit. Missing,
// unreadable and newer-schema entries are all reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key string) (*models.DocumentResult, bool) {
	data, err := c.store.Read(ctx, key)
	if err != nil {
		if !stderrors.Is(err, ErrNotFound) {
			c.logger.Warn("Cache read failed, treating as miss", "cache_key", key, "error", err)
		}
		return nil, false
	}

	result, err := decodeEntry(key, data)
	if err != nil {
		if stderrors.Is(err, errNewerSchema) {
			c.logger.Info("Cache entry has newer schema, treating as miss", "cache_key", key, "error", err)
		} else {
			c.logger.Warn("Corrupt cache entry, treating as miss", "cache_key", key, "error", err)
		}
		return nil, false
	}

	result.CacheStatus = models.CacheHit
	return result, true
}

// Store writes result under key and returns the result the cache now holds
// for it. Storing content equal to the existing entry keeps that entry and
// returns it, so every caller sees the same run metadata; different content
// fails with CACHE_CONFLICT.
func (c *Cache) Store(ctx context.Context, key string, result *models.DocumentResult) (*models.DocumentResult, error) {
	if result.CacheKey != key {
		return nil, errors.NewStorageFailedError(result.DocumentID,
			fmt.Errorf("result is for key %s, not %s", result.CacheKey, key))
	}

	data, err := encodeEntry(key, result, c.now())
	if err != nil {
		return nil, errors.NewStorageFailedError(result.DocumentID, err)
	}

	err = c.store.Create(ctx, key, data)
	if err == nil {
		c.logger.Debug("Cache entry stored", "cache_key", key, "document_id", result.DocumentID, "bytes", len(data))
		return result, nil
	}
	if !stderrors.Is(err, ErrExists) {
		return nil, errors.NewStorageFailedError(result.DocumentID, err)
	}

	existingData, err := c.store.Read(ctx, key)
	if err != nil {
		return nil, errors.NewStorageFailedError(result.DocumentID, err)
	}

	existing, err := decodeEntry(key, existingData)
	switch {
	case err == nil:
		if err := c.compare(key, existing, result); err != nil {
			return nil, err
		}
		existing.CacheStatus = result.CacheStatus
		return existing, nil

	case stderrors.Is(err, errNewerSchema):
		// Written by a newer build; leave it alone
		c.logger.Info("Not overwriting cache entry with newer schema", "cache_key", key)
		return result, nil

	default:
		c.logger.Warn("Superseding corrupt cache entry", "cache_key", key, "error", err)
		if err := c.store.Replace(ctx, key, data); err != nil {
			return nil, errors.NewStorageFailedError(result.DocumentID, err)
		}
		return result, nil
	}
}

func (c *Cache) compare(key string, existing, result *models.DocumentResult) error {
	want, err := contentDigest(existing)
	if err != nil {
		return errors.NewStorageFailedError(result.DocumentID, err)
	}
	got, err := contentDigest(result)
	if err != nil {
		return errors.NewStorageFailedError(result.DocumentID, err)
	}
	if want != got {
		c.logger.Error("Cache conflict", "cache_key", key, "document_id", result.DocumentID)
		return errors.NewCacheConflictError(key).WithDocument(result.DocumentID)
	}
	return nil
}

// Close releases the underlying store
func (c *Cache) Close() error {
	return c.store.Close()
}
