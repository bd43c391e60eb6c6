/*
Package pool owns the worker fleet for one process session.

StartPools launches the configured number of workers per job type through
the mode-appropriate executor, then waits up to ten seconds for each worker
to self-register in the workers table. A slot that fails to launch or
register is stopped and skipped; the rest of the pool proceeds. StopPools
stops every managed worker in parallel and joins.

The background monitor classifies workers on a fixed interval using the
heartbeat and liveness rules from the discovery package:

	        start              claim          heartbeat lapse
	  (none) ─────► idle ─────► busy ──────────► hung
	                 ▲           │                │
	                 │ complete  │                ▼
	                 └───────────┘              dead

A worker whose heartbeat lapsed while its process is gone is marked dead
immediately; one that is still running but silent while busy is marked hung,
and a hung worker that stays silent for another cycle is marked dead. Dead
workers trigger an atomic rescue of their in-flight jobs back to pending;
replacement launches are best effort and retried on the next cycle.

Monitor errors are logged and swallowed so supervision outlives individual
bad cycles; the loop exits promptly on StopMonitoring or StopPools.
*/
package pool
