package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/conductor/internal/config"
	"github.com/metal-toolbox/conductor/internal/model"
)

func TestPowerSyncReconcilesDrift(t *testing.T) {
	h := newHarness(t, testNode(model.StateActive, model.PowerStateOff))

	// the controller reports a state the record does not have
	h.client.power = model.PowerStateOn

	failures := map[uuid.UUID]int{}
	h.conductor.syncPass(context.Background(), config.PowerSyncConfig{MaxFailures: 3}, failures)

	assert.Equal(t, model.PowerStateOn, h.mustNode(t).PowerState)
	assert.Empty(t, failures)
}

func TestPowerSyncLeavesMatchingStateAlone(t *testing.T) {
	h := newHarness(t, testNode(model.StateActive, model.PowerStateOn))

	failures := map[uuid.UUID]int{}
	h.conductor.syncPass(context.Background(), config.PowerSyncConfig{MaxFailures: 3}, failures)

	node := h.mustNode(t)
	assert.Equal(t, model.PowerStateOn, node.PowerState)
	assert.True(t, node.UpdatedAt.IsZero(), "an in-sync node must not be rewritten")
}

func TestPowerSyncSkipsLockedNode(t *testing.T) {
	h := newHarness(t, testNode(model.StateActive, model.PowerStateOff))
	h.client.power = model.PowerStateOn

	ctx := context.Background()

	held, err := h.locks.Acquire(ctx, h.nodeID, "task-holder", time.Minute)
	require.NoError(t, err)

	h.conductor.syncPass(ctx, config.PowerSyncConfig{MaxFailures: 3}, map[uuid.UUID]int{})

	assert.Equal(t, 0, h.client.getPowerCalls)
	assert.Equal(t, model.PowerStateOff, h.mustNode(t).PowerState)

	require.NoError(t, h.locks.Release(ctx, held))
}

func TestPowerSyncSkipsMaintenanceNode(t *testing.T) {
	node := testNode(model.StateActive, model.PowerStateOff)
	node.Maintenance = true
	h := newHarness(t, node)
	h.client.power = model.PowerStateOn

	h.conductor.syncPass(context.Background(), config.PowerSyncConfig{MaxFailures: 3}, map[uuid.UUID]int{})

	assert.Equal(t, 0, h.client.getPowerCalls)
	assert.Equal(t, model.PowerStateOff, h.mustNode(t).PowerState)
}

func TestPowerSyncMovesDeadControllerToMaintenance(t *testing.T) {
	h := newHarness(t, testNode(model.StateActive, model.PowerStateOn))
	h.client.getPowerErr = errors.Wrap(model.ErrTransport, "no route to host")

	ctx := context.Background()
	cfg := config.PowerSyncConfig{MaxFailures: 2}
	failures := map[uuid.UUID]int{}

	h.conductor.syncPass(ctx, cfg, failures)

	assert.False(t, h.mustNode(t).Maintenance)
	assert.Equal(t, 1, failures[h.nodeID])

	h.conductor.syncPass(ctx, cfg, failures)

	node := h.mustNode(t)
	assert.True(t, node.Maintenance)
	assert.Contains(t, node.LastError, "power sync")
	assert.Empty(t, failures)
}

func TestPowerSyncRecoveryResetsFailureCount(t *testing.T) {
	h := newHarness(t, testNode(model.StateActive, model.PowerStateOn))
	h.client.getPowerErr = errors.Wrap(model.ErrTransport, "no route to host")

	ctx := context.Background()
	cfg := config.PowerSyncConfig{MaxFailures: 5}
	failures := map[uuid.UUID]int{}

	h.conductor.syncPass(ctx, cfg, failures)
	require.Equal(t, 1, failures[h.nodeID])

	// the controller comes back
	h.client.getPowerErr = nil

	h.conductor.syncPass(ctx, cfg, failures)

	assert.Empty(t, failures)
	assert.False(t, h.mustNode(t).Maintenance)
}
