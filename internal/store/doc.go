// Package store persists deployment records and cut history.
//
// Two RecordStore adapters are provided:
//   - FileStore: one JSON document per deployment key, laid out as
//     <root>/<Diamond>/deployments/<diamond>-<network>-<chainid>.json and
//     written with temp-file plus rename so a crash never leaves a torn file.
//   - Store: SQLite (WAL) with a records table and an append-only
//     cut_runs table that backs the history command.
//
// Save is an idempotent overwrite in both adapters. Load of an unknown key
// returns an empty record, never an error.
//
// History ordering uses the seq column, never timestamps.
//
// # Database Configuration
//
// Connection settings are passed in the DSN so every pooled connection gets
// them: WAL journaling, synchronous=NORMAL, a five second busy timeout and
// foreign keys on. Schema upgrades are numbered migrations tracked in
// PRAGMA user_version.
package store
