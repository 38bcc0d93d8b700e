package lock

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/metrics"
	"github.com/metal-toolbox/conductor/internal/model"
)

const tableShards = 32

// Table is an in-process lock manager. It serves single conductor
// deployments and tests, fleets share locks through the NATS backed
// manager instead.
type Table struct {
	logger *logrus.Entry
	tokens atomic.Uint64
	shards [tableShards]tableShard
}

type tableShard struct {
	mu    sync.Mutex
	locks map[uuid.UUID]Reservation
}

func NewTable(logger *logrus.Entry) *Table {
	table := &Table{logger: logger}
	for i := range table.shards {
		table.shards[i].locks = map[uuid.UUID]Reservation{}
	}

	return table
}

func (t *Table) shard(nodeID uuid.UUID) *tableShard {
	hash := fnv.New32a()
	_, _ = hash.Write(nodeID[:])

	return &t.shards[hash.Sum32()%tableShards]
}

func (t *Table) Acquire(_ context.Context, nodeID uuid.UUID, holder string, lease time.Duration) (*Reservation, error) {
	now := time.Now()

	shard := t.shard(nodeID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if current, exists := shard.locks[nodeID]; exists {
		if now.Before(current.ExpiresAt) {
			metrics.LockEventCounter.WithLabelValues(metrics.LockContended).Inc()

			return nil, &AlreadyLockedError{
				NodeID:    nodeID,
				Holder:    current.Holder,
				ExpiresAt: current.ExpiresAt,
			}
		}

		metrics.LockEventCounter.WithLabelValues(metrics.LockStolen).Inc()
		t.logger.WithFields(logrus.Fields{
			"node_id":     nodeID.String(),
			"prev_holder": current.Holder,
			"holder":      holder,
			"expired_at":  current.ExpiresAt.Format(time.RFC3339),
		}).Warn("stole expired node lock")
	}

	reservation := Reservation{
		NodeID:     nodeID,
		Holder:     holder,
		Token:      t.tokens.Add(1),
		Lease:      lease,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	}

	shard.locks[nodeID] = reservation
	metrics.LockEventCounter.WithLabelValues(metrics.LockAcquired).Inc()

	return &reservation, nil
}

// Renew extends the lease when the reservation token still matches the
// table. A reservation past its expiry but not yet stolen renews fine,
// expiry only opens the steal window, it does not revoke by itself.
func (t *Table) Renew(_ context.Context, reservation *Reservation) (*Reservation, error) {
	shard := t.shard(reservation.NodeID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current, exists := shard.locks[reservation.NodeID]
	if !exists || current.Token != reservation.Token {
		metrics.LockEventCounter.WithLabelValues(metrics.LockLost).Inc()

		return nil, errors.Wrap(model.ErrLockLost, "node "+reservation.NodeID.String())
	}

	renewed := current
	renewed.ExpiresAt = time.Now().Add(current.Lease)
	shard.locks[reservation.NodeID] = renewed

	return &renewed, nil
}

func (t *Table) Release(_ context.Context, reservation *Reservation) error {
	shard := t.shard(reservation.NodeID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current, exists := shard.locks[reservation.NodeID]
	if !exists || current.Token != reservation.Token {
		return nil
	}

	delete(shard.locks, reservation.NodeID)

	return nil
}
