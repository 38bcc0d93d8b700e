// Package conductor binds node locks, driver sessions and operation
// requests into tracked tasks. Node state only ever changes through a
// closed task or the power sync pass, never from an in-flight call.
package conductor

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/conductor/internal/config"
	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/lock"
	"github.com/metal-toolbox/conductor/internal/metrics"
	"github.com/metal-toolbox/conductor/internal/model"
	"github.com/metal-toolbox/conductor/internal/oob"
	"github.com/metal-toolbox/conductor/internal/provision"
	"github.com/metal-toolbox/conductor/internal/store"
)

// acquireRetryDelay spaces attempts on a contended lock.
const acquireRetryDelay = 100 * time.Millisecond

// Params carries the collaborators a Conductor binds together.
type Params struct {
	Logger     *slog.Logger
	Registry   *driver.Registry
	Locks      lock.Manager
	Repository store.Repository
	Journal    store.Journal
	Executor   *oob.Executor

	// Holder identifies this conductor on reservations, defaults to the
	// app name and hostname.
	Holder string

	Tasks config.TasksConfig
}

type Conductor struct {
	logger   *slog.Logger
	registry *driver.Registry
	locks    lock.Manager
	repo     store.Repository
	journal  store.Journal
	executor *oob.Executor
	machine  *provision.Machine
	tasks    config.TasksConfig
	holder   string

	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup

	mu           sync.Mutex
	tasksByID    map[uuid.UUID]*task
	tasksByToken map[string]uuid.UUID
}

func New(params *Params) *Conductor {
	holder := params.Holder
	if holder == "" {
		hostname, _ := os.Hostname()
		holder = model.AppName + "-" + hostname
	}

	tasks := params.Tasks
	if tasks.LockLease == 0 {
		tasks.LockLease = time.Minute
	}

	if tasks.LockTimeout == 0 {
		tasks.LockTimeout = 30 * time.Second
	}

	if tasks.Retention == 0 {
		tasks.Retention = time.Hour
	}

	baseCtx, baseStop := context.WithCancel(context.Background())

	return &Conductor{
		logger:       params.Logger,
		registry:     params.Registry,
		locks:        params.Locks,
		repo:         params.Repository,
		journal:      params.Journal,
		executor:     params.Executor,
		machine:      provision.NewMachine(),
		tasks:        tasks,
		holder:       holder,
		baseCtx:      baseCtx,
		baseStop:     baseStop,
		tasksByID:    map[uuid.UUID]*task{},
		tasksByToken: map[string]uuid.UUID{},
	}
}

// Stop aborts in-flight controller calls and waits for every running
// task to close and release its reservation.
func (c *Conductor) Stop() {
	c.baseStop()
	c.wg.Wait()
}

// Drivers lists the registered drivers and their availability.
func (c *Conductor) Drivers() []driver.Descriptor {
	return c.registry.Descriptors()
}

// Submit validates the request and starts a task for it. Validation
// failures return immediately with no task created and no lock touched.
// A request repeating an idempotency token returns the task already
// running for it.
func (c *Conductor) Submit(ctx context.Context, request *model.OperationRequest) (uuid.UUID, error) {
	if request == nil || request.NodeID == uuid.Nil {
		return uuid.Nil, errors.Wrap(model.ErrInvalidOperation, "node id is required")
	}

	if !model.KnownOperation(request.Kind) {
		return uuid.Nil, errors.Wrap(model.ErrInvalidOperation, "unknown operation: "+string(request.Kind))
	}

	op, err := buildOperation(request)
	if err != nil {
		return uuid.Nil, err
	}

	node, err := c.repo.NodeByID(ctx, request.NodeID)
	if err != nil {
		return uuid.Nil, err
	}

	c.logger.Debug("found node", node.AsLogFields()...)

	if node.Maintenance && !request.Params.Bool(model.ParamForce) {
		return uuid.Nil, errors.Wrap(model.ErrMaintenance, "node "+node.ID.String()+" is in maintenance")
	}

	if err := c.registry.Supports(node.DriverName, requiredCapabilities(request.Kind)...); err != nil {
		return uuid.Nil, err
	}

	if verb := op.lifecycleVerb(); verb != "" {
		if _, err := c.machine.Next(node.ProvisionState, verb); err != nil {
			return uuid.Nil, err
		}
	}

	c.mu.Lock()

	c.pruneLocked(time.Now())

	if request.IdempotencyToken != "" {
		if existing, ok := c.tasksByToken[request.IdempotencyToken]; ok {
			c.mu.Unlock()
			c.logger.Info("duplicate submission suppressed",
				"token", request.IdempotencyToken, "taskID", existing.String())

			return existing, nil
		}
	}

	t := newTask(request)
	c.tasksByID[t.id] = t

	if request.IdempotencyToken != "" {
		c.tasksByToken[request.IdempotencyToken] = t.id
	}

	c.mu.Unlock()

	c.wg.Add(1)
	go c.runTask(t, op)

	c.logger.Info("task submitted",
		"taskID", t.id.String(), "nodeID", request.NodeID.String(), "operation", string(request.Kind))

	return t.id, nil
}

// TaskStatus reports the current state of a task.
func (c *Conductor) TaskStatus(taskID uuid.UUID) (*model.TaskStatus, error) {
	t, err := c.taskByID(taskID)
	if err != nil {
		return nil, err
	}

	return t.status(), nil
}

// CancelTask requests cooperative cancellation. A task that has already
// dispatched a controller call finishes that call, its result is
// discarded.
func (c *Conductor) CancelTask(taskID uuid.UUID) error {
	t, err := c.taskByID(taskID)
	if err != nil {
		return err
	}

	t.markCancelled()
	c.logger.Info("task cancellation requested", "taskID", taskID.String())

	return nil
}

// Wait blocks until the task closes or the context ends.
func (c *Conductor) Wait(ctx context.Context, taskID uuid.UUID) (*model.TaskStatus, error) {
	t, err := c.taskByID(taskID)
	if err != nil {
		return nil, err
	}

	select {
	case <-t.done:
		return t.status(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pruneLocked drops tasks that closed before the retention window so
// the tracking maps stay bounded. Their idempotency tokens stop
// deduplicating with them. Callers hold c.mu.
func (c *Conductor) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.tasks.Retention)

	for id, t := range c.tasksByID {
		if !t.closedBefore(cutoff) {
			continue
		}

		delete(c.tasksByID, id)

		if token := t.request.IdempotencyToken; token != "" && c.tasksByToken[token] == id {
			delete(c.tasksByToken, token)
		}
	}
}

func (c *Conductor) taskByID(taskID uuid.UUID) (*task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasksByID[taskID]
	if !ok {
		return nil, errors.Wrap(model.ErrTaskNotFound, taskID.String())
	}

	return t, nil
}

func (c *Conductor) runTask(t *task, op *operation) {
	defer c.wg.Done()

	start := time.Now()
	logger := c.logger.With(
		"taskID", t.id.String(),
		"nodeID", t.request.NodeID.String(),
		"operation", string(t.request.Kind),
	)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("!!panic occurred", "rec", rec, "stack", string(debug.Stack()))
			t.finish(model.OutcomeFailed, 0, "Task fatal error, check logs for details")
			t.seal()
		}

		status := t.status()
		metrics.TaskRunTimeSummary.
			WithLabelValues(string(t.request.Kind), string(status.Outcome)).
			Observe(time.Since(start).Seconds())
	}()

	reservation, err := c.acquire(t, logger)
	if err != nil {
		t.finish(model.OutcomeFailed, 0, err.Error())
		t.seal()
		logger.Warn("task failed before dispatch", "cause", err.Error())

		return
	}

	if reservation == nil {
		// cancelled while pending, the node was never touched
		t.finish(model.OutcomeFailed, 0, "task cancelled")
		t.seal()
		logger.Info("task cancelled before lock acquisition")

		return
	}

	t.setState(model.TaskLockAcquired)
	logger.Info("node lock acquired",
		"holder", c.holder, "expiresAt", reservation.ExpiresAt.Format(time.RFC3339))

	// in-flight calls are aborted on lock loss or shutdown, never by a
	// cooperative cancel
	callCtx, callCancel := context.WithCancel(c.baseCtx)
	defer callCancel()

	slot := &reservationSlot{current: reservation}
	renewStop := make(chan struct{})
	renewDone := make(chan struct{})

	go c.renewLoop(t, slot, callCancel, renewStop, renewDone, logger)

	result := c.dispatch(callCtx, t, op, logger)

	close(renewStop)
	<-renewDone

	c.closeTask(t, op, result, logger)

	// release runs on every exit path, a stolen or expired reservation
	// makes it a no-op
	if err := c.locks.Release(context.Background(), slot.get()); err != nil {
		logger.Warn("node lock release failed", "cause", err.Error())
	}

	t.seal()

	status := t.status()
	c.logger.With(status.AsLogFields()...).Info("task closed", "attempts", status.Attempts)
}

// acquire retries lock acquisition with jittered backoff until it is
// granted, the task is cancelled (nil, nil), or the lock timeout
// passes.
func (c *Conductor) acquire(t *task, logger *slog.Logger) (*lock.Reservation, error) {
	deadline := time.Now().Add(c.tasks.LockTimeout)

	for {
		if t.isCancelled() {
			return nil, nil
		}

		reservation, err := c.locks.Acquire(c.baseCtx, t.request.NodeID, c.holder, c.tasks.LockLease)
		if err == nil {
			return reservation, nil
		}

		if !errors.Is(err, model.ErrAlreadyLocked) && !model.IsTransient(err) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, errors.Wrap(model.ErrLockTimeout, "node "+t.request.NodeID.String()+": "+err.Error())
		}

		logger.Debug("node locked, waiting", "cause", err.Error())

		if !sleepInContext(c.baseCtx, acquireRetryDelay+rand.N(acquireRetryDelay)) {
			return nil, errors.Wrap(model.ErrCancelled, "conductor shutting down")
		}
	}
}

// reservationSlot shares the live reservation between a task runner and
// its renewal loop.
type reservationSlot struct {
	mu      sync.Mutex
	current *lock.Reservation
}

func (s *reservationSlot) get() *lock.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

func (s *reservationSlot) set(reservation *lock.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = reservation
}

// renewLoop extends the lease at a third of its duration so it cannot
// expire mid-operation. A failed renewal marks the lock lost and aborts
// in-flight calls, continuing would break mutual exclusion.
func (c *Conductor) renewLoop(t *task, slot *reservationSlot, abort context.CancelFunc, stop <-chan struct{}, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	ticker := time.NewTicker(c.tasks.LockLease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			renewed, err := c.locks.Renew(c.baseCtx, slot.get())
			if err != nil {
				logger.Error("node lock lost, aborting in-flight calls", "cause", err.Error())
				t.markLockLost()
				abort()

				return
			}

			slot.set(renewed)
			logger.Debug("node lease renewed", "expiresAt", renewed.ExpiresAt.Format(time.RFC3339))
		}
	}
}

// runResult is what a dispatch attempt leaves behind for close-out.
type runResult struct {
	node     *model.Node
	attempts int
	err      error

	// writable reports whether node state may still be persisted, lock
	// loss clears it.
	writable bool

	// cancelled reports the task was cancelled while running, any late
	// result is discarded.
	cancelled bool

	// journaled is the last transient lifecycle state durably written
	// mid-task, empty when the node never left a stable state.
	journaled model.ProvisionState
}

func (c *Conductor) dispatch(ctx context.Context, t *task, op *operation, logger *slog.Logger) *runResult {
	result := &runResult{writable: true}

	// re-read the node under the lock, submission validated a snapshot
	node, err := c.repo.NodeByID(ctx, t.request.NodeID)
	if err != nil {
		result.err = err

		return result
	}

	result.node = node

	if t.isCancelled() {
		result.cancelled = true

		return result
	}

	if node.Maintenance && !t.request.Params.Bool(model.ParamForce) {
		result.err = errors.Wrap(model.ErrMaintenance, "node "+node.ID.String()+" is in maintenance")

		return result
	}

	// an unavailable driver fails the task before any renewal cycle or
	// controller traffic
	drv, err := c.registry.Resolve(node.DriverName)
	if err != nil {
		result.err = err

		return result
	}

	client, err := drv.Open(ctx, node)
	if err != nil {
		result.err = err

		return result
	}

	defer func() {
		if cerr := client.Close(ctx); cerr != nil {
			logger.Debug("session close failed", "cause", cerr.Error())
		}
	}()

	// enter the transient lifecycle state under the lock, journaled
	// before the first call
	if op.startVerb != "" {
		next, err := c.machine.Next(node.ProvisionState, op.startVerb)
		if err != nil {
			result.err = err

			return result
		}

		node.ProvisionState = next
		node.ReservedBy = c.holder

		if err := c.journal.SaveNode(ctx, node); err != nil {
			result.err = err

			return result
		}

		result.journaled = next
		logger.Info("lifecycle state entered", "state", string(next))
	}

	t.setState(model.TaskDispatched)

	sess := &session{executor: c.executor, client: client}
	data := sharedData{}

	for i, ph := range op.phases {
		for _, step := range ph.steps {
			if t.isLockLost() {
				result.writable = false
				result.attempts = sess.attempts
				result.err = errors.Wrap(model.ErrLockLost, "node "+node.ID.String())

				return result
			}

			if t.isCancelled() {
				result.cancelled = true
				result.attempts = sess.attempts

				return result
			}

			details, err := step.Run(ctx, sess, data)
			if err != nil {
				logger.Warn("step failed", "step", step.Name(), "details", details, "cause", err.Error())
				result.attempts = sess.attempts
				result.err = err

				// a lock loss mid-call surfaces as a cancelled context,
				// report the loss rather than the wrapped cancel
				if t.isLockLost() {
					result.writable = false
					result.err = errors.Wrap(model.ErrLockLost, "node "+node.ID.String())
				}

				return result
			}

			logger.Info(details, "step", step.Name())
		}

		if ph.verb != "" {
			next, err := c.machine.Next(node.ProvisionState, ph.verb)
			if err != nil {
				result.attempts = sess.attempts
				result.err = err

				return result
			}

			node.ProvisionState = next

			// intermediate states are journaled as they are entered, the
			// final advance waits for the outcome record
			if i < len(op.phases)-1 {
				if err := c.journal.SaveNode(ctx, node); err != nil {
					result.attempts = sess.attempts
					result.err = err

					return result
				}

				result.journaled = next
				logger.Info("lifecycle state entered", "state", string(next))
			}
		}
	}

	result.attempts = sess.attempts

	if t.isLockLost() {
		result.writable = false
		result.err = errors.Wrap(model.ErrLockLost, "node "+node.ID.String())

		return result
	}

	if t.isCancelled() {
		result.cancelled = true

		return result
	}

	if op.directVerb != "" {
		next, err := c.machine.Next(node.ProvisionState, op.directVerb)
		if err != nil {
			result.err = err

			return result
		}

		node.ProvisionState = next
	}

	// fold the produced or observed power state into the node
	if state, ok := data[resultingPowerStateKey].(string); ok {
		node.PowerState = state
	} else if state, ok := data[currentPowerStateKey].(string); ok {
		node.PowerState = state
	}

	return result
}

// closeTask journals the outcome and persists node state, in that
// order. The outcome becomes visible to status queries only after the
// journal write.
func (c *Conductor) closeTask(t *task, op *operation, result *runResult, logger *slog.Logger) {
	outcome := model.OutcomeSucceeded
	lastError := ""

	switch {
	case result.cancelled:
		outcome = model.OutcomeFailed
		lastError = "task cancelled"

		if result.attempts > 0 {
			logger.Info("late result discarded after cancellation", "attempts", result.attempts)
		}

	case result.err != nil:
		outcome = model.OutcomeFailed
		lastError = result.err.Error()
	}

	record := &model.TaskRecord{
		TaskID:    t.id,
		NodeID:    t.request.NodeID,
		Kind:      t.request.Kind,
		Outcome:   outcome,
		LastError: lastError,
		Attempts:  result.attempts,
		CreatedAt: t.created,
		ClosedAt:  time.Now(),
	}

	if err := c.journal.RecordOutcome(context.Background(), record); err != nil {
		logger.Error("journaling task outcome failed", "cause", err.Error())

		// an unrecorded operation must not advance the node
		if lastError == "" {
			lastError = "journal write failed: " + err.Error()
		}

		t.finish(model.OutcomeFailed, result.attempts, lastError)

		return
	}

	if err := c.applyNodeState(op, result, outcome, lastError); err != nil {
		logger.Error("persisting node state failed", "cause", err.Error())

		if outcome == model.OutcomeSucceeded {
			outcome = model.OutcomeFailed
			lastError = "persisting node state failed: " + err.Error()
		}
	}

	t.finish(outcome, result.attempts, lastError)
}

// applyNodeState persists what a closed task did to the node. Lost
// locks leave the node at its last journaled state. A cancelled task
// discards its late result, but a transient lifecycle state it already
// journaled still takes its failure transition, otherwise the node
// would stay stranded there with the reservation held.
func (c *Conductor) applyNodeState(op *operation, result *runResult, outcome model.TaskOutcome, lastError string) error {
	if result.node == nil || !result.writable {
		return nil
	}

	node := result.node

	if result.cancelled {
		if result.journaled == "" {
			return nil
		}

		node.ProvisionState = c.failureState(result.journaled)
		node.LastError = lastError
		node.ReservedBy = ""

		return c.journal.SaveNode(context.Background(), node)
	}

	if outcome == model.OutcomeFailed {
		node.LastError = lastError

		// a failure mid-lifecycle moves the node to its failure state
		if op.startVerb != "" && !c.machine.IsStable(node.ProvisionState) {
			node.ProvisionState = c.failureState(node.ProvisionState)
		}
	} else {
		node.LastError = ""
	}

	node.ReservedBy = ""

	return c.journal.SaveNode(context.Background(), node)
}

// failureState maps a transient lifecycle state to its failure state,
// returning the state unchanged when neither fail verb applies.
func (c *Conductor) failureState(state model.ProvisionState) model.ProvisionState {
	if next, err := c.machine.Next(state, model.VerbFail); err == nil {
		return next
	}

	if next, err := c.machine.Next(state, model.VerbError); err == nil {
		return next
	}

	return state
}

func sleepInContext(ctx context.Context, duration time.Duration) bool {
	select {
	case <-time.After(duration):
		return true
	case <-ctx.Done():
		return false
	}
}
