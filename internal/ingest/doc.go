// Package ingest defines the core types shared across the vacuum pipeline:
// normalized records, their table bindings, canonical entities, the error
// taxonomy, and the small interfaces the fetcher, sinks, and orchestrator
// depend on.
package ingest
