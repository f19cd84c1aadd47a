// Package postgres implements storage.Store against PostgreSQL via
// database/sql and lib/pq.
package postgres

import (
	"database/sql"
)

// Store wraps a *sql.DB and implements storage.Store.
type Store struct {
	db *sql.DB
}

// New builds a Store over an already-opened, already-migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}
