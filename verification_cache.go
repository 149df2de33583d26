package kagami

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is how long a successful verification result stays fresh.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxEntries is the cache size bound that triggers an eager
	// expired-entry sweep on insert.
	DefaultMaxEntries = 10000

	// DefaultWorkers bounds the concurrent verification fan-out per cache.
	DefaultWorkers = 10

	// maxSamples bounds the performance sample history.
	maxSamples = 1000

	// statsWindow is how many recent samples Stats aggregates over.
	statsWindow = 100
)

// cacheEntry pairs a verification result with its own TTL clock.
type cacheEntry struct {
	value      VerificationResult
	insertedAt time.Time
	ttl        time.Duration
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) >= e.ttl
}

// VerificationCache de-duplicates calls to an expensive external payment
// verifier. Successful results are cached per (txHash, chain) key with a
// TTL; failed or invalid results are never cached so transient verifier
// failures can be retried on the next call.
//
// The cache is safe for concurrent use: reads proceed concurrently, while
// inserts, sweeps and Clear hold an exclusive section. Last-write-wins on
// concurrent inserts for the same key is acceptable since both writers
// verified the same underlying transaction; each entry's TTL clock starts
// at its own insertion time.
type VerificationCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	statsMu sync.Mutex
	samples []PerformanceSample

	ttl        time.Duration
	maxEntries int
	workers    int
	log        zerolog.Logger
}

// NewVerificationCache creates a verification cache. Construct one at
// process start and inject it into request handlers; independent instances
// keep tests isolated.
func NewVerificationCache(opts ...Option) *VerificationCache {
	cfg := cacheConfig{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		workers:    DefaultWorkers,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &VerificationCache{
		entries:    make(map[string]cacheEntry),
		ttl:        cfg.ttl,
		maxEntries: cfg.maxEntries,
		workers:    cfg.workers,
		log:        cfg.log,
	}
}

// Get returns the cached result for (txHash, chain) if present and not
// expired. An expired entry is deleted on this access.
func (c *VerificationCache) Get(txHash, chain string) (VerificationResult, bool) {
	key := VerificationRequest{TxHash: txHash, Chain: chain}.Key()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return VerificationResult{}, false
	}
	if entry.expired(time.Now()) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if cur, ok := c.entries[key]; ok && cur.expired(time.Now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return VerificationResult{}, false
	}
	return entry.value, true
}

// Set inserts or overwrites the result for (txHash, chain). A non-positive
// ttl selects the cache default. If the insert pushes the cache past its
// size bound, all expired entries are swept; entries within their TTL are
// never evicted for space.
func (c *VerificationCache) Set(txHash, chain string, value VerificationResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := VerificationRequest{TxHash: txHash, Chain: chain}.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{value: value, insertedAt: time.Now(), ttl: ttl}
	if len(c.entries) > c.maxEntries {
		c.sweepExpiredLocked()
	}
}

// Clear removes all entries immediately, without TTL checks.
func (c *VerificationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Size returns the current number of entries, expired or not.
func (c *VerificationCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweepExpiredLocked removes expired entries. Must be called with the
// write lock held.
func (c *VerificationCache) sweepExpiredLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}

// BatchVerify verifies a batch of requests, serving what it can from the
// cache and fanning the rest out to the verifier with bounded concurrency.
//
// The returned slice covers exactly the input request set with no
// duplicates, cached results first; order is otherwise unspecified, so
// callers must correlate by (txHash, chain). A single item's verifier
// error degrades to an IsValid=false result carrying the error message and
// does not abort the batch. Exactly one PerformanceSample is recorded per
// call.
func (c *VerificationCache) BatchVerify(ctx context.Context, requests []VerificationRequest, verifier PaymentVerifier) ([]VerificationResult, error) {
	if len(requests) == 0 {
		return nil, NewValidationError("batch is empty")
	}
	if verifier == nil {
		return nil, NewValidationError("verifier is required")
	}
	for _, req := range requests {
		if err := ValidateTxHash(req.TxHash); err != nil {
			return nil, err
		}
		if err := ValidateChain(req.Chain); err != nil {
			return nil, err
		}
	}

	start := time.Now()

	// De-duplicate by key before partitioning into cached and uncached, so
	// a batch carrying duplicates yields one result per unique key whether
	// the cache is cold or warm, and duplicates cost a single verifier call.
	cached := make([]VerificationResult, 0, len(requests))
	uncached := make([]VerificationRequest, 0, len(requests))
	seen := make(map[string]struct{}, len(requests))
	for _, req := range requests {
		if _, dup := seen[req.Key()]; dup {
			continue
		}
		seen[req.Key()] = struct{}{}
		if result, ok := c.Get(req.TxHash, req.Chain); ok {
			cached = append(cached, result)
			continue
		}
		uncached = append(uncached, req)
	}

	fresh := make([]VerificationResult, len(uncached))
	if len(uncached) > 0 {
		pool := workerpool.New(c.workers)
		for i, req := range uncached {
			i, req := i, req
			pool.Submit(func() {
				fresh[i] = c.verifyOne(ctx, req, verifier)
			})
		}
		pool.StopWait()
	}

	failures := 0
	for _, result := range fresh {
		if result.ErrorMessage != "" {
			failures++
			continue
		}
		if result.IsValid {
			c.Set(result.TxHash, result.Chain, result, 0)
		}
	}

	c.recordSample(PerformanceSample{
		VerificationTime:   time.Since(start),
		CacheHitRate:       float64(len(cached)) / float64(len(requests)),
		ConcurrentRequests: len(requests),
		ErrorRate:          float64(failures) / float64(len(requests)),
	})

	c.log.Debug().
		Int("requests", len(requests)).
		Int("cached", len(cached)).
		Int("verified", len(uncached)).
		Int("failures", failures).
		Dur("elapsed", time.Since(start)).
		Msg("batch verification completed")

	return append(cached, fresh...), nil
}

// verifyOne runs a single verification, folding any verifier error into an
// invalid result so the batch contract never throws per item.
func (c *VerificationCache) verifyOne(ctx context.Context, req VerificationRequest, verifier PaymentVerifier) VerificationResult {
	result, err := verifier.VerifyPayment(ctx, req.TxHash, req.Chain, req.ExpectedAmount)
	if err != nil {
		c.log.Warn().Err(err).Str("tx_hash", req.TxHash).Str("chain", req.Chain).
			Msg("verification failed")
		return VerificationResult{
			IsValid:      false,
			TxHash:       req.TxHash,
			Chain:        req.Chain,
			RiskScore:    1.0,
			ErrorMessage: err.Error(),
		}
	}
	return result
}

// recordSample appends a performance sample, dropping the oldest beyond
// the history bound.
func (c *VerificationCache) recordSample(sample PerformanceSample) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	c.samples = append(c.samples, sample)
	if len(c.samples) > maxSamples {
		c.samples = c.samples[len(c.samples)-maxSamples:]
	}
}

// Stats aggregates the most recent samples (up to 100). The zero value is
// returned when no batches have run yet.
func (c *VerificationCache) Stats() CacheStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	if len(c.samples) == 0 {
		return CacheStats{CacheSize: c.Size()}
	}

	recent := c.samples
	if len(recent) > statsWindow {
		recent = recent[len(recent)-statsWindow:]
	}

	var totalTime time.Duration
	var totalHitRate, totalErrorRate float64
	maxConcurrent := 0
	for _, s := range recent {
		totalTime += s.VerificationTime
		totalHitRate += s.CacheHitRate
		totalErrorRate += s.ErrorRate
		if s.ConcurrentRequests > maxConcurrent {
			maxConcurrent = s.ConcurrentRequests
		}
	}

	n := float64(len(recent))
	return CacheStats{
		AvgVerificationTimeMs: float64(totalTime.Microseconds()) / n / 1000.0,
		AvgCacheHitRate:       totalHitRate / n,
		MaxConcurrentRequests: maxConcurrent,
		AvgErrorRate:          totalErrorRate / n,
		CacheSize:             c.Size(),
		SampleCount:           len(recent),
	}
}
