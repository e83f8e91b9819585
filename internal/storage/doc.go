// Package storage persists the file catalog and scan history.
//
// Two real backends share one interface: a jsonl journal+snapshot file store
// with no dependencies, and a SQLite store (modernc, no cgo). An empty or
// "none" driver disables persistence entirely; the indexer degrades to
// in-memory operation.
package storage
