package kagami

import (
	"time"

	"github.com/rs/zerolog"
)

// cacheConfig holds the configuration for a VerificationCache.
type cacheConfig struct {
	ttl        time.Duration
	maxEntries int
	workers    int
	log        zerolog.Logger
}

// Option configures a VerificationCache.
type Option func(*cacheConfig)

// WithTTL sets the default TTL for cached verification results.
//
// Default: 5 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(c *cacheConfig) {
		c.ttl = ttl
	}
}

// WithMaxEntries sets the size bound that triggers a full expired-entry
// sweep on insert. Entries within their TTL are never evicted for space.
//
// Default: 10000.
func WithMaxEntries(n int) Option {
	return func(c *cacheConfig) {
		c.maxEntries = n
	}
}

// WithWorkers bounds the concurrent fan-out to the external verifier
// during BatchVerify. Size it to the verifier's rate limits.
//
// Default: 10.
func WithWorkers(n int) Option {
	return func(c *cacheConfig) {
		c.workers = n
	}
}

// WithLogger sets the logger used for batch verification events.
//
// Default: a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *cacheConfig) {
		c.log = log
	}
}
