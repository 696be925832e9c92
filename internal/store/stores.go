// Package store defines the persisted row types and the storage
// interfaces the runtime is written against. Two backends implement
// them: sqlite (embedded, the default) and pg (shared deployments).
package store

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups for absent rows.
var ErrNotFound = errors.New("not found")

// NewID returns a fresh universally-unique id for any persisted row.
func NewID() string {
	return uuid.NewString()
}

// Stores bundles every storage interface behind one handle.
type Stores struct {
	Sessions    SessionStore
	Graph       GraphStore
	Permissions PermissionStore
	Tasks       TaskStore
	Keepers     KeeperStore
	Metrics     MetricsStore

	// Close releases the underlying database handle.
	Close func() error
}
