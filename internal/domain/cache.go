package domain

import (
	"context"
	"fmt"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (single node) + Redis (cluster).
// The gate's hot path reads threat states through the cache so checks
// stay O(1) against already-computed state.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetThreatState retrieves a cached threat state.
	// Returns nil, nil on cache miss.
	GetThreatState(ctx context.Context, class EntityClass, entityID string) (*ThreatState, error)

	// SetThreatState caches a threat state for gate reads.
	SetThreatState(ctx context.Context, state *ThreatState, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the
	// new value. The counter expires when its time bucket rolls over.
	// Atomicity is required: concurrent gate checks against the same
	// bucket must never lose updates.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ThreatStateKey builds the cache key for an entity's threat state.
func ThreatStateKey(class EntityClass, entityID string) string {
	return fmt.Sprintf("threat:%s:%s", class, entityID)
}

// CapacityKey builds the counter key for one entity, operation and time
// bucket. Bucket boundaries are aligned so all concurrent checks within
// a bucket share one counter.
func CapacityKey(class EntityClass, entityID, operation string, bucketStart time.Time) string {
	return fmt.Sprintf("capacity:%s:%s:%s:%d", class, entityID, operation, bucketStart.Unix())
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type"`

	// Local LRU cache settings
	LocalMaxSize int `json:"localMaxSize"`
	LocalTTL     int `json:"localTtl"` // seconds

	// Redis settings
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase"` // If true, check local first, then Redis
}
