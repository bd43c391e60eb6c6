// Package log provides structured logging for Loom built on zerolog.
//
// One root logger serves the whole process; components derive child loggers
// carrying a stable "component" field, and job-scoped code uses ForJob to
// attach the job and correlation identifiers that stitch a single build's
// trail across the driver, the queue, and the worker processes.
//
// Init reads the LOG_LEVEL bootstrap environment variable on top of its
// Config: the executors pass a worker its level through the environment, so
// the same Init call works in the orchestrator (flag-driven) and in worker
// subprocesses and containers (env-driven) without extra plumbing. Console
// output is the default; JSON output is available for log aggregation.
package log
