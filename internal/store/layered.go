package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/metal-toolbox/conductor/internal/model"
)

// StateOverlay folds journaled node state over inventory reads.
type StateOverlay interface {
	OverlayNode(ctx context.Context, node *model.Node) error
}

// Layered serves nodes from an external inventory with the conductor's
// journaled state folded over each read. Inventory knows what a node
// is, the journal knows what the conductor last did to it.
type Layered struct {
	inventory Repository
	overlay   StateOverlay
}

func NewLayered(inventory Repository, overlay StateOverlay) *Layered {
	return &Layered{inventory: inventory, overlay: overlay}
}

func (l *Layered) NodeByID(ctx context.Context, nodeID uuid.UUID) (*model.Node, error) {
	node, err := l.inventory.NodeByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	if err := l.overlay.OverlayNode(ctx, node); err != nil {
		return nil, err
	}

	return node, nil
}

func (l *Layered) ListNodeIDs(ctx context.Context) ([]uuid.UUID, error) {
	return l.inventory.ListNodeIDs(ctx)
}
