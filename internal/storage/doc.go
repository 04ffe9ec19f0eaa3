// Package storage persists schedule registrations and job execution records.
//
// Drivers:
//   - file: JSON Lines journal + snapshot, no external dependencies
//   - sqlite: single database file via modernc.org/sqlite
package storage
