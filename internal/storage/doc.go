// Package storage persists what the digest pipeline reads and records: the target catalog
// (read-only), run/step history and notifier delivery dedup state.
package storage
