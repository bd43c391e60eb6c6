// Package config loads the worker-management configuration from YAML and
// overlays command-line overrides onto it.
//
// Two shapes of override exist for historical compatibility: config-shaped
// keys mirror the file fields (default_execution_mode, auto_start, ...) and
// CLI-shaped keys mirror the flags (workers, worker_count, no_auto_start,
// fresh_workers, <type>_workers). When both are given the CLI-shaped key
// wins.
package config
