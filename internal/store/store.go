// Package store persists pending actions, standing rules, approval events,
// and operator keys in PostgreSQL.
package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a row targeted by id does not exist.
var ErrNotFound = errors.New("not found")

// Store provides access to the PostgreSQL database for the approval gateway.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}
