// Package store caches rendered pages in memory. It wraps a ristretto cache
// bounded by total HTML size, with a TTL per entry and hit/miss counters for
// the metrics endpoint.
package store
