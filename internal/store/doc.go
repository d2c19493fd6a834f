// Package store persists inbox entries for HIAMP recipients.
//
// # Architecture
//
// Store is a small interface with three implementations:
//
//   - FileStore: one directory per worker, one JSON file per message
//   - SQLiteStore: one row per (worker, message id) in modernc.org/sqlite
//   - MockStore: in-memory, for tests
//
// Shared attachments extracted from share-intent messages are stored per
// sending owner alongside the mailboxes.
//
// # File Layout
//
//	<dir>/<worker>/<message-id>.json
//	<dir>/_shared/<owner>/<filename>
//
// Each entry file holds:
//
//	{"message": {...}, "rawText": "...", "channelId": "...",
//	 "senderUserId": "...", "senderRef": "...", "read": false,
//	 "receivedAt": "2026-05-01T10:00:00Z"}
//
// Files in a mailbox that do not decode as an entry are skipped.
//
// # SQLite Configuration
//
// The SQLite backend enables WAL mode and applies column migrations on open.
// Use NewSQLiteStore(":memory:") in tests.
//
// # Error Handling
//
//   - ErrNotFound: the mailbox has no entry with that message id
//   - ErrInvalidName: a worker, owner or file name is not a single safe path segment
package store
