// Package writer implements the batch estimate recorder (TimescaleDB).
//
// The recorder is an ordinary broadcast sink: it consumes published
// snapshots, accumulates them into a batch, and flushes on size or on a
// timer. Inserts are append-only (never update, only insert). Timestamps
// are stored as microseconds since the epoch.
package writer
