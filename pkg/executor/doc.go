/*
Package executor launches worker processes in one of two execution modes
behind a single contract.

DirectExecutor re-executes the loom binary as a child process per worker,
passing the queue location through environment variables. On Unix each child
owns a process group; stopping a worker signals the whole group with SIGTERM
and escalates to SIGKILL after ten seconds. Windows terminates the process
directly — the platform offers no group signalling, so grandchildren may be
orphaned. Resource statistics come from gopsutil and degrade to liveness
when process inspection is unavailable.

ContainerExecutor creates containers through containerd, mounting the
workspace at /workspace and the database directory at /db so the same
bootstrap environment works in both modes. Containers are named
loom-<type>-worker-<index>; a leftover container under that name from a
crashed session is force-removed before a fresh one starts.

Start failures do not abort pool startup: the pool manager logs them, skips
the slot, and runs with a degraded worker count.
*/
package executor
