// Package database provides the relational store handle for the presence engine.
//
// This package manages:
//   - Connections to SQLite (single writer, WAL) or PostgreSQL (pooled)
//   - Placeholder rebinding so stores write one query for both dialects
//   - UTC timestamp encoding and scanning across dialects
//   - Schema migrations embedded in the binary, one directory per dialect
//   - Health checks and graceful shutdown
//
// The handle is constructed once by the process entry point and passed to
// every store. There is no package-level connection.
//
// # Migrations
//
// Files are named YYYYMMDD_HHMMSS_description.up.sql / .down.sql and live in
// a "sqlite3" or "postgres" directory. Each migration runs in its own
// transaction and is recorded in schema_migrations.
//
// # Usage
//
//	db, err := database.Open(database.Config{Driver: "sqlite3", Path: "./data/presence.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
