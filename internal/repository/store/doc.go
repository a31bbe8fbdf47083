// Package store persists the per-service pointers and version history.
//
// Two backends implement Repository: FileRepository keeps a single JSON
// document on disk and SQLiteRepository keeps two tables in a SQLite file.
// Both expose WriteStableDirect, a single-field write used while the
// process is being torn down.
package store
