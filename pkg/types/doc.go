// Package types defines the shared data model for Loom's job-processing
// substrate: jobs, workers, worker pool configuration, and the enumerations
// used across the queue, pool, discovery, and backend components.
//
// The types here mirror the rows of the jobs database. A Job moves through
// pending → processing → completed/failed; a Worker moves through
// idle → busy and is marked hung or dead by the pool monitor when its
// heartbeat lapses. Timestamps are always timezone-aware UTC instants.
package types
