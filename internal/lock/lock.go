// Package lock provides exclusive, lease based node locks. A lease that
// expires without renewal is considered released and may be stolen, so
// a conductor process crashing with locks held never wedges its nodes.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/metal-toolbox/conductor/internal/model"
)

// Reservation is a held node lock. Token is a fencing value unique to
// this grant, renewals and releases are refused when it no longer
// matches the store.
type Reservation struct {
	NodeID     uuid.UUID
	Holder     string
	Token      uint64
	Lease      time.Duration
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager grants, renews and releases node locks.
type Manager interface {
	// Acquire grants an exclusive lease on the node. A live reservation
	// held by someone else fails with AlreadyLockedError, an expired one
	// is stolen.
	Acquire(ctx context.Context, nodeID uuid.UUID, holder string, lease time.Duration) (*Reservation, error)

	// Renew extends the lease. It fails with a lock loss when another
	// holder has stolen the reservation since the last renewal.
	Renew(ctx context.Context, reservation *Reservation) (*Reservation, error)

	// Release drops the reservation. Releasing an already released or
	// stolen reservation is a no-op, never an error.
	Release(ctx context.Context, reservation *Reservation) error
}

// AlreadyLockedError reports who holds a contended node and until when.
type AlreadyLockedError struct {
	NodeID    uuid.UUID
	Holder    string
	ExpiresAt time.Time
}

func (e *AlreadyLockedError) Error() string {
	return "node " + e.NodeID.String() + " locked by " + e.Holder +
		" until " + e.ExpiresAt.Format(time.RFC3339)
}

func (e *AlreadyLockedError) Unwrap() error {
	return model.ErrAlreadyLocked
}
