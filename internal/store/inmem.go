package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/conductor/internal/model"
)

// Inmem keeps inventory and journal in process memory. It backs single
// node deployments and tests. Reads and writes exchange deep copies so
// callers never share a node object with the store.
type Inmem struct {
	mu      sync.RWMutex
	nodes   map[uuid.UUID]*model.Node
	records []*model.TaskRecord
}

func NewInmem() *Inmem {
	return &Inmem{nodes: map[uuid.UUID]*model.Node{}}
}

// AddNode seeds a node into the inventory.
func (s *Inmem) AddNode(node *model.Node) error {
	copied, err := snapshotNode(node)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[node.ID] = copied

	return nil
}

func (s *Inmem) NodeByID(_ context.Context, nodeID uuid.UUID) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, exists := s.nodes[nodeID]
	if !exists {
		return nil, errors.Wrap(model.ErrNodeNotFound, nodeID.String())
	}

	return snapshotNode(node)
}

func (s *Inmem) ListNodeIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	return ids, nil
}

func (s *Inmem) SaveNode(_ context.Context, node *model.Node) error {
	copied, err := snapshotNode(node)
	if err != nil {
		return err
	}

	copied.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; !exists {
		return errors.Wrap(model.ErrNodeNotFound, node.ID.String())
	}

	s.nodes[node.ID] = copied

	return nil
}

func (s *Inmem) RecordOutcome(_ context.Context, record *model.TaskRecord) error {
	copied, err := copystructure.Copy(record)
	if err != nil {
		return errors.Wrap(err, "copying task record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, copied.(*model.TaskRecord))

	return nil
}

// Records returns the journaled task records in write order.
func (s *Inmem) Records() []*model.TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.TaskRecord, len(s.records))
	copy(out, s.records)

	return out
}

func snapshotNode(node *model.Node) (*model.Node, error) {
	copied, err := copystructure.Copy(node)
	if err != nil {
		return nil, errors.Wrap(err, "copying node")
	}

	return copied.(*model.Node), nil
}
