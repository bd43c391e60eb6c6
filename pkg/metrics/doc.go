// Package metrics exposes Prometheus collectors for the job queue, the
// caches, and the worker pools, plus a small Timer helper for recording
// operation latencies.
//
// Collectors are package-level and registered in init(); components record
// into them directly. Handler returns the scrape endpoint handler for
// embedding in a status server.
package metrics
