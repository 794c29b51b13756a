// Package ingest defines the core domain types and seams of the presence
// ingestion service: tasks, externally sourced records, scrape results, the
// failure taxonomy, and the interfaces that persistence and engine packages
// implement. This package must not import database drivers or browser
// clients.
package ingest
