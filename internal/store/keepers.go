package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/loom/internal/providers"
)

// Keeper statuses.
const (
	KeeperActive = "active"
	KeeperClosed = "closed"
)

// KeeperSnapshot is the persisted state of a context keeper: the
// offloaded messages plus bookkeeping.
type KeeperSnapshot struct {
	ID          string
	TeamID      string
	Topic       string
	SourceAgent string
	Messages    []providers.Message
	TokenCount  int
	Metadata    map[string]string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KeeperStore persists keeper snapshots. SaveKeeper inserts on first
// write and updates in place afterwards.
type KeeperStore interface {
	SaveKeeper(ctx context.Context, k *KeeperSnapshot) error
	GetKeeper(ctx context.Context, id string) (*KeeperSnapshot, error)
	ListKeepers(ctx context.Context, teamID string) ([]*KeeperSnapshot, error)
}
