package conductor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/conductor/internal/config"
	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/metrics"
	"github.com/metal-toolbox/conductor/internal/model"
)

// syncLease is the reservation lease for a power sync read. The pass
// holds the node only long enough for one power state query.
const syncLease = 15 * time.Second

// RunPowerSync periodically reconciles each node's recorded power state
// against what its controller reports. Nodes locked by a running task
// are skipped rather than waited on, the next pass picks them up. A
// node failing the query maxFailures passes in a row is moved into
// maintenance so operators notice dead controllers.
//
// Blocks until ctx ends.
func (c *Conductor) RunPowerSync(ctx context.Context, cfg config.PowerSyncConfig) {
	c.logger.Info("power sync started",
		"interval", cfg.Interval.String(), "maxFailures", cfg.MaxFailures)

	// consecutive query failures per node, owned by this goroutine
	failures := map[uuid.UUID]int{}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("power sync stopped")

			return
		case <-ticker.C:
			c.syncPass(ctx, cfg, failures)
		}
	}
}

func (c *Conductor) syncPass(ctx context.Context, cfg config.PowerSyncConfig, failures map[uuid.UUID]int) {
	nodeIDs, err := c.repo.ListNodeIDs(ctx)
	if err != nil {
		c.logger.Warn("power sync could not list nodes", "cause", err.Error())

		return
	}

	for _, nodeID := range nodeIDs {
		if ctx.Err() != nil {
			return
		}

		c.syncNode(ctx, cfg, failures, nodeID)
	}
}

func (c *Conductor) syncNode(ctx context.Context, cfg config.PowerSyncConfig, failures map[uuid.UUID]int, nodeID uuid.UUID) {
	logger := c.logger.With("nodeID", nodeID.String())

	node, err := c.repo.NodeByID(ctx, nodeID)
	if err != nil {
		logger.Warn("power sync node read failed", "cause", err.Error())

		return
	}

	if node.Maintenance {
		metrics.PowerSyncCounter.WithLabelValues("maintenance").Inc()

		return
	}

	reservation, err := c.locks.Acquire(ctx, nodeID, c.holder+"-powersync", syncLease)
	if err != nil {
		// a held lock means a task owns the node right now
		if errors.Is(err, model.ErrAlreadyLocked) {
			logger.Debug("power sync skipping locked node")

			return
		}

		logger.Warn("power sync lock acquisition failed", "cause", err.Error())

		return
	}

	defer func() {
		if err := c.locks.Release(context.Background(), reservation); err != nil {
			logger.Warn("power sync lock release failed", "cause", err.Error())
		}
	}()

	observed, err := c.observePowerState(ctx, node)
	if err != nil {
		failures[nodeID]++
		logger.Warn("power sync query failed",
			"cause", err.Error(), "consecutiveFailures", failures[nodeID])

		if failures[nodeID] < cfg.MaxFailures {
			metrics.PowerSyncCounter.WithLabelValues("failed").Inc()

			return
		}

		// the controller is unreachable, stop operating on the node until
		// an operator clears the flag
		node.Maintenance = true
		node.LastError = "power sync: " + err.Error()

		if err := c.journal.SaveNode(ctx, node); err != nil {
			logger.Error("flagging node for maintenance failed", "cause", err.Error())
		} else {
			logger.Error("node moved into maintenance after repeated power sync failures",
				"consecutiveFailures", failures[nodeID])
		}

		delete(failures, nodeID)
		metrics.PowerSyncCounter.WithLabelValues("maintenance").Inc()

		return
	}

	delete(failures, nodeID)

	if observed == node.PowerState {
		metrics.PowerSyncCounter.WithLabelValues("ok").Inc()

		return
	}

	logger.Info("power state drift reconciled",
		"recorded", node.PowerState, "observed", observed)

	node.PowerState = observed

	if err := c.journal.SaveNode(ctx, node); err != nil {
		logger.Warn("persisting reconciled power state failed", "cause", err.Error())
		metrics.PowerSyncCounter.WithLabelValues("failed").Inc()

		return
	}

	metrics.PowerSyncCounter.WithLabelValues("drift").Inc()
}

func (c *Conductor) observePowerState(ctx context.Context, node *model.Node) (string, error) {
	drv, err := c.registry.Resolve(node.DriverName)
	if err != nil {
		return "", err
	}

	client, err := drv.Open(ctx, node)
	if err != nil {
		return "", err
	}

	defer func() {
		_ = client.Close(ctx)
	}()

	power, ok := client.(driver.Power)
	if !ok {
		return "", errors.Wrap(model.ErrCapabilityNotSupported, "driver "+node.DriverName+" has no power interface")
	}

	state, outcome := c.executor.PowerState(ctx, power)
	if !outcome.Succeeded {
		return "", outcome.LastError
	}

	return state, nil
}
