package store

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/conductor/internal/model"
)

func testNode() *model.Node {
	return &model.Node{
		ID:             uuid.New(),
		DriverName:     "fake",
		BmcAddress:     net.ParseIP("192.168.1.2"),
		BmcUsername:    "root",
		BmcPassword:    "hunter2",
		Vendor:         "dell",
		Model:          "r6515",
		Serial:         "ABC123",
		FacilityCode:   "fac13",
		PowerState:     model.PowerStateOff,
		ProvisionState: model.StateAvailable,
	}
}

func TestInmemNodeRoundTrip(t *testing.T) {
	repo := NewInmem()
	node := testNode()

	require.NoError(t, repo.AddNode(node))

	got, err := repo.NodeByID(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, node, got)

	// mutating the returned copy must not leak into the store
	got.PowerState = model.PowerStateOn
	got.BmcAddress = net.ParseIP("10.0.0.1")

	again, err := repo.NodeByID(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PowerStateOff, again.PowerState)
	assert.Equal(t, "192.168.1.2", again.BmcAddress.String())
}

func TestInmemNodeByIDMissing(t *testing.T) {
	repo := NewInmem()

	_, err := repo.NodeByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNodeNotFound)
}

func TestInmemSaveNode(t *testing.T) {
	repo := NewInmem()
	node := testNode()

	require.NoError(t, repo.AddNode(node))

	node.PowerState = model.PowerStateOn
	node.ProvisionState = model.StateActive
	require.NoError(t, repo.SaveNode(context.Background(), node))

	got, err := repo.NodeByID(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PowerStateOn, got.PowerState)
	assert.Equal(t, model.StateActive, got.ProvisionState)
	assert.False(t, got.UpdatedAt.IsZero())

	err = repo.SaveNode(context.Background(), testNode())
	assert.ErrorIs(t, err, model.ErrNodeNotFound)
}

func TestInmemListNodeIDs(t *testing.T) {
	repo := NewInmem()

	first, second := testNode(), testNode()
	require.NoError(t, repo.AddNode(first))
	require.NoError(t, repo.AddNode(second))

	ids, err := repo.ListNodeIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}

func TestInmemRecordOutcome(t *testing.T) {
	repo := NewInmem()

	first := &model.TaskRecord{
		TaskID:  uuid.New(),
		NodeID:  uuid.New(),
		Kind:    model.PowerOn,
		Outcome: model.OutcomeSucceeded,
	}
	second := &model.TaskRecord{
		TaskID:    uuid.New(),
		NodeID:    first.NodeID,
		Kind:      model.PowerOff,
		Outcome:   model.OutcomeFailed,
		LastError: "connection refused",
	}

	require.NoError(t, repo.RecordOutcome(context.Background(), first))
	require.NoError(t, repo.RecordOutcome(context.Background(), second))

	records := repo.Records()
	require.Len(t, records, 2)
	assert.Equal(t, first.TaskID, records[0].TaskID)
	assert.Equal(t, second.TaskID, records[1].TaskID)
}

type journalEntry struct {
	key   string
	value []byte
}

func (e *journalEntry) Bucket() string             { return "test" }
func (e *journalEntry) Key() string                { return e.key }
func (e *journalEntry) Value() []byte              { return e.value }
func (e *journalEntry) Revision() uint64           { return 1 }
func (e *journalEntry) Created() time.Time         { return time.Time{} }
func (e *journalEntry) Delta() uint64              { return 0 }
func (e *journalEntry) Operation() nats.KeyValueOp { return nats.KeyValuePut }

type fakeJournalBucket struct {
	keys     []string
	payloads [][]byte
	err      error
}

func (b *fakeJournalBucket) Put(key string, value []byte) (uint64, error) {
	if b.err != nil {
		return 0, b.err
	}

	b.keys = append(b.keys, key)
	b.payloads = append(b.payloads, value)

	return uint64(len(b.keys)), nil
}

func (b *fakeJournalBucket) Get(key string) (nats.KeyValueEntry, error) {
	for i := len(b.keys) - 1; i >= 0; i-- {
		if b.keys[i] == key {
			return &journalEntry{key: key, value: b.payloads[i]}, nil
		}
	}

	return nil, nats.ErrKeyNotFound
}

func TestKVJournalRecordOutcome(t *testing.T) {
	bucket := &fakeJournalBucket{}
	journal := NewKVJournal(bucket)

	record := &model.TaskRecord{
		TaskID:   uuid.New(),
		NodeID:   uuid.New(),
		Kind:     model.Reboot,
		Outcome:  model.OutcomeSucceeded,
		Attempts: 2,
		ClosedAt: time.Now(),
	}

	require.NoError(t, journal.RecordOutcome(context.Background(), record))
	require.Len(t, bucket.keys, 1)
	assert.Equal(t, "tasks."+record.TaskID.String(), bucket.keys[0])
}

func TestKVJournalSaveNodeOmitsCredentials(t *testing.T) {
	bucket := &fakeJournalBucket{}
	journal := NewKVJournal(bucket)

	node := testNode()
	require.NoError(t, journal.SaveNode(context.Background(), node))

	require.Len(t, bucket.keys, 1)
	assert.Equal(t, "nodes."+node.ID.String(), bucket.keys[0])
	assert.NotContains(t, string(bucket.payloads[0]), node.BmcPassword)
	assert.NotContains(t, string(bucket.payloads[0]), node.BmcUsername)
}
