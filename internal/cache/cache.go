// Package cache holds immutable lookups: evidence records by id and
// (url, content hash) ingestion keys
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

const keyPrefix = "lexledger:v1:"

// Cache defines the interface for caching
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key derives a fixed-length cache key from its parts
func Key(kind string, parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return keyPrefix + kind + ":" + hex.EncodeToString(hash[:])
}

// IngestKey maps (url, content hash) to an evidence id. The pair is
// permanent once stored, so entries never go stale.
func IngestKey(url, contentHash string) string {
	return Key("ingest", url, contentHash)
}

// EvidenceKey caches a full evidence record; invalidate on metadata writes
func EvidenceKey(id string) string {
	return Key("evidence", id)
}

// New builds the cache described by cfg. Disabled caching yields a Noop.
func New(cfg model.CacheConfig) Cache {
	if !cfg.Enabled {
		return Noop{}
	}
	memory := NewMemoryCache(cfg.MemoryTTL, 10*time.Minute)
	if cfg.DiskDir == "" {
		return memory
	}
	return NewLayeredCache(memory, NewDiskCache(cfg.DiskDir, cfg.DiskTTL))
}

// Noop caches nothing
type Noop struct{}

func (Noop) Get(string) ([]byte, bool)               { return nil, false }
func (Noop) Set(string, []byte, time.Duration) error { return nil }
func (Noop) Delete(string) error                     { return nil }
func (Noop) Clear() error                            { return nil }
