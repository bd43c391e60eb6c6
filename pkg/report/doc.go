/*
Package report categorizes build failures and carries them to the user.

Errors fall into three kinds: user errors (bad notebook code, diagram syntax)
that the author can fix, configuration errors (missing JARs, executables,
templates) that the operator can fix, and infrastructure errors (worker
timeouts, no workers available) that may abort the session.

Workers emit JSON-encoded ErrorInfo payloads; ParseErrorMessage decodes them,
falling back to plain text, and strips ANSI escape sequences from every
nested string so stored and displayed errors stay clean. Traceback parsing
pulls cell numbers, error classes, line numbers, and code snippets into
structured details.

Categorized errors are persisted in the cache issue log next to the artifact
they belong to, so a later cache hit can resurface them without re-running
the job.
*/
package report
