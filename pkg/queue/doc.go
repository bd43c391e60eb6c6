/*
Package queue implements the durable job queue at the heart of Loom.

The queue mediates all communication between the build driver and the worker
processes: the driver submits jobs, workers claim and complete them, and the
pool monitor rescues jobs whose workers have died. No component talks to a
worker directly; the jobs database is the only coordination channel.

# Claiming

ClaimNext is the critical section. It runs a single IMMEDIATE transaction
that selects the highest-priority oldest pending job of the requested type,
marks it processing, stamps started_at, records the claiming worker, and
bumps the attempt counter. Two concurrent claimers therefore always observe
distinct jobs (or one sees nothing); a job whose attempts reached
max_attempts is never handed out again.

Ordering is guaranteed only within a job type: (priority DESC, created_at
ASC). Submissions of different types complete in whatever order their
workers reach them.

# Worker registry

Workers insert their own row on startup, refresh last_heartbeat every 10
seconds, flip between idle and busy around each claim, and delete their row
on graceful shutdown. A heartbeat older than 30 seconds disqualifies a
worker from availability counts regardless of its recorded status.

# Recovery

ResetHungJobs returns long-processing jobs to pending by elapsed time;
ResetDeadWorkerJobs does the same by joining against workers marked dead.
Both are idempotent: a second run with no intervening writes resets nothing.
*/
package queue
