// Package store separates the two kinds of persistence behind the
// conductor: the node inventory it reads, and the journal it writes
// task outcomes and node state through.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/metal-toolbox/conductor/internal/model"
)

// Repository provides node inventory. Inventory is owned by an external
// system, the conductor only reads it.
type Repository interface {
	// NodeByID returns the node, or an error wrapping
	// model.ErrNodeNotFound when no such node exists.
	NodeByID(ctx context.Context, nodeID uuid.UUID) (*model.Node, error)

	// ListNodeIDs returns the identifiers of all nodes in the
	// conductor's facility.
	ListNodeIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Journal durably records conductor owned state. Task outcomes land
// here before they become visible to callers.
type Journal interface {
	RecordOutcome(ctx context.Context, record *model.TaskRecord) error

	// SaveNode persists the conductor maintained slice of node state,
	// power, provisioning, maintenance and last error.
	SaveNode(ctx context.Context, node *model.Node) error
}
