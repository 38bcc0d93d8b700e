package lock

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/conductor/internal/model"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logrus.NewEntry(logger)
}

func TestTableAcquireConflict(t *testing.T) {
	table := NewTable(testLogger())
	nodeID := uuid.New()

	first, err := table.Acquire(context.Background(), nodeID, "conductor-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = table.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyLocked)

	lockErr := &AlreadyLockedError{}
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "conductor-a", lockErr.Holder)
	assert.Equal(t, first.ExpiresAt, lockErr.ExpiresAt)
}

func TestTableStealAfterExpiryNeverBefore(t *testing.T) {
	table := NewTable(testLogger())
	nodeID := uuid.New()

	first, err := table.Acquire(context.Background(), nodeID, "conductor-a", 50*time.Millisecond)
	require.NoError(t, err)

	// still live, not stealable
	_, err = table.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	assert.ErrorIs(t, err, model.ErrAlreadyLocked)

	time.Sleep(100 * time.Millisecond)

	second, err := table.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "conductor-b", second.Holder)
	assert.NotEqual(t, first.Token, second.Token)
}

func TestTableRenewExtendsLease(t *testing.T) {
	table := NewTable(testLogger())
	nodeID := uuid.New()

	reservation, err := table.Acquire(context.Background(), nodeID, "conductor-a", time.Minute)
	require.NoError(t, err)

	renewed, err := table.Renew(context.Background(), reservation)
	require.NoError(t, err)
	assert.Equal(t, reservation.Token, renewed.Token)
	assert.False(t, renewed.ExpiresAt.Before(reservation.ExpiresAt))
}

func TestTableRenewAfterStealFails(t *testing.T) {
	table := NewTable(testLogger())
	nodeID := uuid.New()

	first, err := table.Acquire(context.Background(), nodeID, "conductor-a", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = table.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	require.NoError(t, err)

	_, err = table.Renew(context.Background(), first)
	assert.ErrorIs(t, err, model.ErrLockLost)
}

func TestTableReleaseIdempotent(t *testing.T) {
	table := NewTable(testLogger())
	nodeID := uuid.New()

	reservation, err := table.Acquire(context.Background(), nodeID, "conductor-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, table.Release(context.Background(), reservation))
	require.NoError(t, table.Release(context.Background(), reservation))

	// the node is free again
	_, err = table.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	assert.NoError(t, err)
}

func TestTableReleaseStaleKeepsNewHolder(t *testing.T) {
	table := NewTable(testLogger())
	nodeID := uuid.New()

	first, err := table.Acquire(context.Background(), nodeID, "conductor-a", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	second, err := table.Acquire(context.Background(), nodeID, "conductor-b", time.Minute)
	require.NoError(t, err)

	// the stale holder's release must not evict the thief
	require.NoError(t, table.Release(context.Background(), first))

	_, err = table.Renew(context.Background(), second)
	assert.NoError(t, err)
}

func TestTableMutualExclusionStress(t *testing.T) {
	table := NewTable(testLogger())
	nodeID := uuid.New()

	var (
		holders   atomic.Int32
		successes atomic.Int32
		wg        sync.WaitGroup
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 50 {
				reservation, err := table.Acquire(context.Background(), nodeID, "stress", time.Minute)
				if err != nil {
					continue
				}

				if holders.Add(1) != 1 {
					t.Error("two holders inside the critical section")
				}

				successes.Add(1)
				holders.Add(-1)

				assert.NoError(t, table.Release(context.Background(), reservation))
			}
		}()
	}

	wg.Wait()
	assert.Positive(t, successes.Load())
}
