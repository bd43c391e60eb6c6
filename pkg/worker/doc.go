/*
Package worker implements the worker-side half of the queue protocol.

A worker process bootstraps from environment variables (WORKER_TYPE,
WORKER_ID, DB_PATH, WORKSPACE_PATH, LOG_LEVEL), opens the jobs database,
inserts its registry row with status idle, and starts two loops: a heartbeat
every ten seconds and a claim loop that polls ClaimNext, sleeping briefly on
an empty queue. Around each job it flips its status to busy and back,
records the outcome counters, and marks the output file in the queue cache.
On cancellation it deletes its registry row; a worker killed outright leaves
the row behind for the pool monitor to declare dead.

The domain transformation itself is pluggable through the Processor
interface; the substrate only moves payloads, writes outputs, and reports
results.
*/
package worker
