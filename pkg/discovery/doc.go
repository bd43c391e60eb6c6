// Package discovery enumerates workers from the registry and annotates each
// with whether it is healthy. It does not mark workers hung or dead; the
// pool monitor does that.
//
// Health is decided by three rules that must all hold: the recorded status
// is idle or busy, the last heartbeat is at most 30 seconds old, and — when
// the worker's executor is available — the underlying process or container
// is actually running. Executor liveness errors count as unhealthy rather
// than failing the check.
//
// The executor map is injected by the pool manager after construction; at
// wire-up time the dependency points one way, so discovery never holds a
// reference back into the pool.
package discovery
