package lock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/conductor/internal/metrics"
	"github.com/metal-toolbox/conductor/internal/model"
)

// acquireAttempts bounds the create/read race loop when several
// conductors chase the same freed key.
const acquireAttempts = 3

// Bucket is the slice of the NATS KV API the lock manager needs,
// nats.KeyValue satisfies it.
type Bucket interface {
	Get(key string) (nats.KeyValueEntry, error)
	Create(key string, value []byte) (uint64, error)
	Update(key string, value []byte, revision uint64) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

// KVLock shares node locks across a conductor fleet through a NATS KV
// bucket. The KV revision acts as the fencing token, every grant and
// renewal lands on a new revision, so a stale holder can never renew or
// release over a steal.
type KVLock struct {
	logger *logrus.Entry
	bucket Bucket
}

type leaseDocument struct {
	Holder     string        `json:"holder"`
	Lease      time.Duration `json:"lease_ns"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

func NewKVLock(bucket Bucket, logger *logrus.Entry) *KVLock {
	return &KVLock{logger: logger, bucket: bucket}
}

func (l *KVLock) Acquire(_ context.Context, nodeID uuid.UUID, holder string, lease time.Duration) (*Reservation, error) {
	now := time.Now()
	key := nodeID.String()

	document := leaseDocument{
		Holder:     holder,
		Lease:      lease,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	}

	payload, err := json.Marshal(document)
	if err != nil {
		return nil, errors.Wrap(model.ErrTransport, err.Error())
	}

	for range acquireAttempts {
		revision, err := l.bucket.Create(key, payload)
		if err == nil {
			metrics.LockEventCounter.WithLabelValues(metrics.LockAcquired).Inc()

			return l.reservation(nodeID, revision, &document), nil
		}

		if !errors.Is(err, nats.ErrKeyExists) {
			return nil, errors.Wrap(model.ErrTransport, err.Error())
		}

		entry, err := l.bucket.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			// released between our create and read, try again
			continue
		}

		if err != nil {
			return nil, errors.Wrap(model.ErrTransport, err.Error())
		}

		current := leaseDocument{}
		if err := json.Unmarshal(entry.Value(), &current); err != nil {
			return nil, errors.Wrap(model.ErrTransport, err.Error())
		}

		if now.Before(current.ExpiresAt) {
			metrics.LockEventCounter.WithLabelValues(metrics.LockContended).Inc()

			return nil, &AlreadyLockedError{
				NodeID:    nodeID,
				Holder:    current.Holder,
				ExpiresAt: current.ExpiresAt,
			}
		}

		// lease expired, steal at the observed revision
		revision, err = l.bucket.Update(key, payload, entry.Revision())
		if err == nil {
			metrics.LockEventCounter.WithLabelValues(metrics.LockStolen).Inc()
			l.logger.WithFields(logrus.Fields{
				"node_id":     key,
				"prev_holder": current.Holder,
				"holder":      holder,
				"expired_at":  current.ExpiresAt.Format(time.RFC3339),
			}).Warn("stole expired node lock")

			return l.reservation(nodeID, revision, &document), nil
		}

		// another conductor stole it first, re-read and re-decide
	}

	return nil, errors.Wrap(model.ErrAlreadyLocked, "node "+key+": lost the acquisition race")
}

// Renew extends the lease at the reservation's revision. Every failure
// maps to a lock loss: once the store cannot confirm the lease is still
// ours the only safe call is to stop acting on the node.
func (l *KVLock) Renew(_ context.Context, reservation *Reservation) (*Reservation, error) {
	key := reservation.NodeID.String()

	entry, err := l.bucket.Get(key)
	if err != nil {
		metrics.LockEventCounter.WithLabelValues(metrics.LockLost).Inc()

		return nil, errors.Wrap(model.ErrLockLost, "node "+key+": "+err.Error())
	}

	if entry.Revision() != reservation.Token {
		metrics.LockEventCounter.WithLabelValues(metrics.LockLost).Inc()

		return nil, errors.Wrap(model.ErrLockLost, "node "+key+": reservation stolen")
	}

	document := leaseDocument{
		Holder:     reservation.Holder,
		Lease:      reservation.Lease,
		AcquiredAt: reservation.AcquiredAt,
		ExpiresAt:  time.Now().Add(reservation.Lease),
	}

	payload, err := json.Marshal(document)
	if err != nil {
		return nil, errors.Wrap(model.ErrLockLost, "node "+key+": "+err.Error())
	}

	revision, err := l.bucket.Update(key, payload, reservation.Token)
	if err != nil {
		metrics.LockEventCounter.WithLabelValues(metrics.LockLost).Inc()

		return nil, errors.Wrap(model.ErrLockLost, "node "+key+": "+err.Error())
	}

	return l.reservation(reservation.NodeID, revision, &document), nil
}

// Release deletes the key at the reservation's revision. A reservation
// that is already gone or stolen is left alone. A delete that fails in
// flight is not retried either, the lease expires on its own.
func (l *KVLock) Release(_ context.Context, reservation *Reservation) error {
	key := reservation.NodeID.String()

	entry, err := l.bucket.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}

	if err != nil {
		return errors.Wrap(model.ErrTransport, err.Error())
	}

	if entry.Revision() != reservation.Token {
		return nil
	}

	if err := l.bucket.Delete(key, nats.LastRevision(reservation.Token)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		l.logger.WithFields(logrus.Fields{
			"node_id": key,
			"cause":   err.Error(),
		}).Warn("node lock release did not land, lease will expire")
	}

	return nil
}

func (l *KVLock) reservation(nodeID uuid.UUID, revision uint64, document *leaseDocument) *Reservation {
	return &Reservation{
		NodeID:     nodeID,
		Holder:     document.Holder,
		Token:      revision,
		Lease:      document.Lease,
		AcquiredAt: document.AcquiredAt,
		ExpiresAt:  document.ExpiresAt,
	}
}
