// Package storage provides the GORM connection layer shared by the worker WAL
// and the system-of-record store.
//
// This package includes:
//   - Open: picks the PostgreSQL or SQLite driver from a DSN
//   - OpenSQLite: an embedded single-file database tuned for append-heavy writes
//   - ConfigurePool: connection pool settings with functional options
package storage
