/*
Package cache persists processed artifacts so unchanged inputs never re-run.

Two independent caches share the cache database:

ResultStore holds complete output artifacts keyed by (file_path,
content_hash, output_metadata), where the content hash identifies the input
bytes plus every transformation parameter and the output metadata
discriminates variants of the same input (language, format, kind). Newer
rows shadow older ones; pruning keeps a configurable number of versions per
file and variant using windowed ranking. An issue log rides alongside: the
errors and warnings of a run are stored next to its artifact, so a later
cache hit can resurface them without re-executing anything. Error rows are
replaced per key; warning rows accumulate.

ExecutionCache holds executed-notebook intermediates keyed by (input_file,
content_hash, language, prog_lang) — deliberately not by the full output
variant, because the speaker and completed variants share one execution and
differ only by cell filtering. A miss is the typed ErrCacheMiss so callers
can distinguish "execute now" from "fail because fallback is disabled".
*/
package cache
