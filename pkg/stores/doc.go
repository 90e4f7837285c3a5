// Package stores provides SQLite-backed persistence for runs, their
// event documents, and script execution reports.
//
// The schema is managed with embedded golang-migrate migrations and the
// database is opened in WAL mode for concurrent readers. The Recorder
// bridges the run engine's document stream into the store so every run
// started through the engine leaves a durable record.
package stores
