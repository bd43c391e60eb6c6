/*
Package lifecycle orchestrates worker fleets at session granularity.

A session either manages its workers (auto-start on begin, auto-stop on end)
or starts persistent workers that outlive the process. The reuse policy sits
in between: when enabled, the session counts healthy existing workers per
type and starts only the deficit, adopting the rest with their original
identities.

Every pool and worker transition is published on an in-process broker and
journaled to the workers_events table under a session id, so past sessions
can be reconstructed from the database alone.
*/
package lifecycle
