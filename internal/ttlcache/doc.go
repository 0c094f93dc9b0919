// Package ttlcache provides a small in-process cache whose entries expire
// after a per-entry TTL and are evicted oldest-first once the cache is full.
//
// It backs the in-memory idempotency store and the router's intent cache.
package ttlcache
