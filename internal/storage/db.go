// Package storage is the persistence layer: a primary/replica Postgres pool
// plus one repository per aggregate. Writes and
// reconciliation reads always go through the primary; routine reads may be
// routed to a replica when one is configured.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"

	_ "github.com/lib/pq"
)

// DB wraps a primary connection plus zero or more read replicas, mirroring
// the shape of trader-go/internal/database/db.go (New/Conn/Exec/Query/
// QueryRow/Begin) generalized from single-file SQLite to Postgres
// primary/replica routing.
type DB struct {
	primary  *sql.DB
	replicas []*sql.DB
}

// NewWithConn wraps an already-open *sql.DB as the primary connection, with
// no replicas. Used by tests that substitute a sqlmock connection, and by
// callers that manage the underlying *sql.DB lifecycle themselves.
func NewWithConn(conn *sql.DB) *DB {
	return &DB{primary: conn}
}

// Open dials the primary and every replica URL, pinging each before
// returning.
func Open(primaryURL string, replicaURLs []string) (*DB, error) {
	primary, err := sql.Open("postgres", primaryURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open primary: %w", err)
	}
	if err := primary.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping primary: %w", err)
	}
	primary.SetMaxOpenConns(25)
	primary.SetMaxIdleConns(5)

	db := &DB{primary: primary}

	for _, url := range replicaURLs {
		replica, err := sql.Open("postgres", url)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: open replica: %w", err)
		}
		if err := replica.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: ping replica: %w", err)
		}
		replica.SetMaxOpenConns(25)
		replica.SetMaxIdleConns(5)
		db.replicas = append(db.replicas, replica)
	}

	return db, nil
}

// Close closes the primary and every replica connection.
func (db *DB) Close() error {
	var firstErr error
	for _, r := range db.replicas {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Primary returns the write/reconciliation connection. Every repository
// mutation and every reconciliation read goes through this handle rather
// than a replica, to avoid comparing against stale replica state.
func (db *DB) Primary() *sql.DB {
	return db.primary
}

// Reader returns a connection suitable for a routine (non-reconciliation)
// read: a random replica if any are configured, otherwise the primary.
func (db *DB) Reader() *sql.DB {
	if len(db.replicas) == 0 {
		return db.primary
	}
	return db.replicas[rand.Intn(len(db.replicas))]
}

// BeginTx starts a transaction against the primary.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.primary.BeginTx(ctx, nil)
}
