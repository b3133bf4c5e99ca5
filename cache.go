// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lmeval

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// CacheHook receives one completed result per request with a non-empty
// cache key. Writes are fire-and-forget: they are never rolled back when a
// later batch in the same call fails, which gives at-most-once semantics
// per completed item rather than exactly-once per call.
type CacheHook interface {
	AddPartial(op string, key string, value any)
}

// NopCacheHook discards all writes.
type NopCacheHook struct{}

// AddPartial implements CacheHook.
func (NopCacheHook) AddPartial(string, string, any) {}

// cacheKey derives a stable key from the identifying parts of a request.
// Parts are length-prefixed before hashing so that ("ab","c") and
// ("a","bc") never collide.
func cacheKey(parts ...string) string {
	h := xxhash.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.WriteString(p)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// DefaultCacheTTL is the default retention for MemoryCacheHook entries.
const DefaultCacheTTL = 24 * time.Hour

// MemoryCacheHook is an in-process CacheHook backed by a TTL cache, for
// harnesses that do not bring their own persistence.
type MemoryCacheHook struct {
	cache  *ttlcache.Cache[string, any]
	logger *zap.Logger

	writes atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewMemoryCacheHook creates a MemoryCacheHook retaining entries for ttl
// (DefaultCacheTTL if ttl <= 0). Call Close to stop the expiration loop.
func NewMemoryCacheHook(ttl time.Duration, logger *zap.Logger) *MemoryCacheHook {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, any](ttl),
	)
	go cache.Start()

	return &MemoryCacheHook{
		cache:  cache,
		logger: logger.Named("result-cache"),
	}
}

// AddPartial stores one completed result.
func (h *MemoryCacheHook) AddPartial(op string, key string, value any) {
	h.cache.Set(op+":"+key, value, ttlcache.DefaultTTL)
	h.writes.Add(1)
	recordCacheWrite(op)
	h.logger.Debug("Cached partial result", zap.String("op", op), zap.String("key", key))
}

// Get returns a previously stored result.
func (h *MemoryCacheHook) Get(op string, key string) (any, bool) {
	item := h.cache.Get(op + ":" + key)
	if item == nil {
		h.misses.Add(1)
		return nil, false
	}
	h.hits.Add(1)
	return item.Value(), true
}

// Stats reports write/hit/miss counts since construction.
func (h *MemoryCacheHook) Stats() (writes, hits, misses uint64) {
	return h.writes.Load(), h.hits.Load(), h.misses.Load()
}

// Close stops the cache's expiration loop.
func (h *MemoryCacheHook) Close() {
	h.cache.Stop()
}
