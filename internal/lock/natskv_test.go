package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/conductor/internal/model"
)

type fakeEntry struct {
	key      string
	value    []byte
	revision uint64
}

func (e *fakeEntry) Bucket() string             { return "test" }
func (e *fakeEntry) Key() string                { return e.key }
func (e *fakeEntry) Value() []byte              { return e.value }
func (e *fakeEntry) Revision() uint64           { return e.revision }
func (e *fakeEntry) Created() time.Time         { return time.Time{} }
func (e *fakeEntry) Delta() uint64              { return 0 }
func (e *fakeEntry) Operation() nats.KeyValueOp { return nats.KeyValuePut }

// fakeBucket mimics the compare-and-set behavior of a NATS KV bucket.
type fakeBucket struct {
	mu       sync.Mutex
	revision uint64
	entries  map[string]*fakeEntry

	createErr []error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{entries: map[string]*fakeEntry{}}
}

func (b *fakeBucket) Get(key string) (nats.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.entries[key]
	if !exists {
		return nil, nats.ErrKeyNotFound
	}

	return entry, nil
}

func (b *fakeBucket) Create(key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.createErr) > 0 {
		err := b.createErr[0]
		b.createErr = b.createErr[1:]

		if err != nil {
			return 0, err
		}
	}

	if _, exists := b.entries[key]; exists {
		return 0, nats.ErrKeyExists
	}

	b.revision++
	b.entries[key] = &fakeEntry{key: key, value: value, revision: b.revision}

	return b.revision, nil
}

func (b *fakeBucket) Update(key string, value []byte, revision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.entries[key]
	if !exists || entry.revision != revision {
		return 0, errors.New("nats: wrong last sequence")
	}

	b.revision++
	b.entries[key] = &fakeEntry{key: key, value: value, revision: b.revision}

	return b.revision, nil
}

func (b *fakeBucket) Delete(key string, _ ...nats.DeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[key]; !exists {
		return nats.ErrKeyNotFound
	}

	delete(b.entries, key)

	return nil
}

func TestKVLockAcquireRenewRelease(t *testing.T) {
	bucket := newFakeBucket()
	manager := NewKVLock(bucket, testLogger())
	nodeID := uuid.New()

	reservation, err := manager.Acquire(context.Background(), nodeID, "conductor-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "conductor-a", reservation.Holder)
	assert.Positive(t, reservation.Token)

	renewed, err := manager.Renew(context.Background(), reservation)
	require.NoError(t, err)
	// every renewal lands on a fresh revision
	assert.Greater(t, renewed.Token, reservation.Token)

	require.NoError(t, manager.Release(context.Background(), renewed))

	_, err = bucket.Get(nodeID.String())
	assert.ErrorIs(t, err, nats.ErrKeyNotFound)
}

func TestKVLockContention(t *testing.T) {
	bucket := newFakeBucket()
	manager := NewKVLock(bucket, testLogger())
	nodeID := uuid.New()

	_, err := manager.Acquire(context.Background(), nodeID, "conductor-a", time.Minute)
	require.NoError(t, err)

	_, err = manager.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyLocked)

	lockErr := &AlreadyLockedError{}
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "conductor-a", lockErr.Holder)
}

func TestKVLockStealAfterExpiry(t *testing.T) {
	bucket := newFakeBucket()
	manager := NewKVLock(bucket, testLogger())
	nodeID := uuid.New()

	first, err := manager.Acquire(context.Background(), nodeID, "conductor-a", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	second, err := manager.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "conductor-b", second.Holder)
	assert.Greater(t, second.Token, first.Token)
}

func TestKVLockRenewAfterStealFails(t *testing.T) {
	bucket := newFakeBucket()
	manager := NewKVLock(bucket, testLogger())
	nodeID := uuid.New()

	first, err := manager.Acquire(context.Background(), nodeID, "conductor-a", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = manager.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	require.NoError(t, err)

	_, err = manager.Renew(context.Background(), first)
	assert.ErrorIs(t, err, model.ErrLockLost)
}

func TestKVLockReleaseStolenIsNoop(t *testing.T) {
	bucket := newFakeBucket()
	manager := NewKVLock(bucket, testLogger())
	nodeID := uuid.New()

	first, err := manager.Acquire(context.Background(), nodeID, "conductor-a", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	second, err := manager.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, manager.Release(context.Background(), first))

	// the thief's reservation must survive the stale release
	_, err = manager.Renew(context.Background(), second)
	assert.NoError(t, err)
}

func TestKVLockReleaseAbsentIsNoop(t *testing.T) {
	bucket := newFakeBucket()
	manager := NewKVLock(bucket, testLogger())

	reservation := &Reservation{NodeID: uuid.New(), Holder: "conductor-a", Token: 7}
	assert.NoError(t, manager.Release(context.Background(), reservation))
}

func TestKVLockAcquireRetriesCreateRace(t *testing.T) {
	bucket := newFakeBucket()
	// a competing create wins, then its key vanishes before our read
	bucket.createErr = []error{nats.ErrKeyExists}

	manager := NewKVLock(bucket, testLogger())
	nodeID := uuid.New()

	reservation, err := manager.Acquire(context.Background(), nodeID, "conductor-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "conductor-a", reservation.Holder)
}
