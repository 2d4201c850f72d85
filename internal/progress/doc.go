// Package progress carries run lifecycle events (run start, per-source and
// per-page completions, run end) from the orchestrator to pluggable sinks
// without slowing the ingestion loop down.
package progress
