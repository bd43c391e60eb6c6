/*
Package backend is the driver-facing entry point of the substrate.

ExecuteOperation takes an operation plus a payload and either serves it from
cache or enqueues it. Two caches are consulted in order: the artifact cache,
which holds full result blobs and reproduces the output file (resurfacing
stored errors and warnings tagged as cached), and the output-file cache,
which only records that an output was already produced for a content hash.
Only a miss on both reaches the queue, and only after the worker
availability gate confirms at least one healthy worker of the required type
exists; otherwise the operation fails fast with ErrNoWorkers rather than
queueing into the void.

WaitForCompletion polls all submitted jobs every half second, and every five
seconds additionally rescues jobs whose assigned worker has died since
submission. Completions are written back to the artifact cache; failures are
categorized, reported, and persisted in the issue log. The whole wait is
bounded by a deadline (20 minutes by default), and Shutdown aborts it after
a short grace, deliberately leaving unresolved jobs in-queue for the next
session.
*/
package backend
