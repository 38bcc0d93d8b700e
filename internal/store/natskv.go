package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/conductor/internal/model"
)

// Journal key prefixes inside the KV bucket.
const (
	taskKeyPrefix = "tasks."
	nodeKeyPrefix = "nodes."
)

// Bucket is the slice of the NATS KV API the journal needs,
// nats.KeyValue satisfies it.
type Bucket interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
}

// KVJournal records task outcomes and node state snapshots in a NATS KV
// bucket shared by the conductor fleet.
type KVJournal struct {
	bucket Bucket
}

func NewKVJournal(bucket Bucket) *KVJournal {
	return &KVJournal{bucket: bucket}
}

func (j *KVJournal) RecordOutcome(_ context.Context, record *model.TaskRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encoding task record")
	}

	if _, err := j.bucket.Put(taskKeyPrefix+record.TaskID.String(), payload); err != nil {
		return errors.Wrap(err, "journaling task outcome")
	}

	return nil
}

// nodeDocument is the journaled slice of node state. BMC credentials
// never land in the journal.
type nodeDocument struct {
	ID             uuid.UUID            `json:"id"`
	DriverName     string               `json:"driver"`
	PowerState     string               `json:"power_state,omitempty"`
	ProvisionState model.ProvisionState `json:"provision_state,omitempty"`
	Maintenance    bool                 `json:"maintenance"`
	ReservedBy     string               `json:"reserved_by,omitempty"`
	LastError      string               `json:"last_error,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

func (j *KVJournal) SaveNode(_ context.Context, node *model.Node) error {
	payload, err := json.Marshal(&nodeDocument{
		ID:             node.ID,
		DriverName:     node.DriverName,
		PowerState:     node.PowerState,
		ProvisionState: node.ProvisionState,
		Maintenance:    node.Maintenance,
		ReservedBy:     node.ReservedBy,
		LastError:      node.LastError,
		UpdatedAt:      time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "encoding node state")
	}

	if _, err := j.bucket.Put(nodeKeyPrefix+node.ID.String(), payload); err != nil {
		return errors.Wrap(err, "journaling node state")
	}

	return nil
}

// OverlayNode folds the journaled state slice over an inventory node.
// A node that was never journaled passes through untouched, inventory
// alone describes it.
func (j *KVJournal) OverlayNode(_ context.Context, node *model.Node) error {
	entry, err := j.bucket.Get(nodeKeyPrefix + node.ID.String())
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}

	if err != nil {
		return errors.Wrap(model.ErrTransport, err.Error())
	}

	document := nodeDocument{}
	if err := json.Unmarshal(entry.Value(), &document); err != nil {
		return errors.Wrap(model.ErrTransport, err.Error())
	}

	document.apply(node)

	return nil
}

// apply copies the conductor owned fields onto the inventory node. Once
// a node has been journaled the journal is the authority for them.
func (d *nodeDocument) apply(node *model.Node) {
	if d.PowerState != "" {
		node.PowerState = d.PowerState
	}

	if d.ProvisionState != "" {
		node.ProvisionState = d.ProvisionState
	}

	node.Maintenance = d.Maintenance
	node.ReservedBy = d.ReservedBy
	node.LastError = d.LastError
	node.UpdatedAt = d.UpdatedAt
}
