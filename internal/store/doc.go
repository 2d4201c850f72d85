// Package store defines the persistence contracts for run records and the
// entity graph (canonical entities, record links, relationship edges).
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
