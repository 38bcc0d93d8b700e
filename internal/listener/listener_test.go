package listener

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	rctypes "github.com/metal-toolbox/rivets/v2/condition"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/conductor/internal/conductor"
	"github.com/metal-toolbox/conductor/internal/config"
	"github.com/metal-toolbox/conductor/internal/driver"
	"github.com/metal-toolbox/conductor/internal/driver/fake"
	"github.com/metal-toolbox/conductor/internal/lock"
	"github.com/metal-toolbox/conductor/internal/model"
	"github.com/metal-toolbox/conductor/internal/oob"
	"github.com/metal-toolbox/conductor/internal/store"
)

type fakePublisher struct {
	mu     sync.Mutex
	states []rctypes.State
}

func (p *fakePublisher) Publish(_ context.Context, task *rctypes.Task[any, any], _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, task.State)

	return nil
}

func (p *fakePublisher) published() []rctypes.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]rctypes.State, len(p.states))
	copy(out, p.states)

	return out
}

func testCore(t *testing.T, node *model.Node) (*conductor.Conductor, *store.Inmem) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)

	registry := driver.NewRegistry(entry)
	require.NoError(t, registry.Register(fake.Registration()))

	inmem := store.NewInmem()
	require.NoError(t, inmem.AddNode(node))

	core := conductor.New(&conductor.Params{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry:   registry,
		Locks:      lock.NewTable(entry),
		Repository: inmem,
		Journal:    inmem,
		Executor: oob.NewExecutor(oob.Policy{
			CallTimeout: 2 * time.Second,
			MaxAttempts: 2,
			RetryDelay:  time.Millisecond,
		}, entry),
		Holder: "listener-test",
		Tasks:  config.TasksConfig{LockLease: time.Minute, LockTimeout: 2 * time.Second},
	})

	t.Cleanup(core.Stop)

	return core, inmem
}

func fakeNode() *model.Node {
	return &model.Node{
		ID:             uuid.New(),
		DriverName:     fake.Name,
		BmcAddress:     net.ParseIP("10.0.0.9"),
		ProvisionState: model.StateActive,
		PowerState:     model.PowerStateOn,
	}
}

func newTestHandler(core *conductor.Conductor) *TaskHandler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return &TaskHandler{
		logger:       logrus.NewEntry(logger),
		conductor:    core,
		controllerID: "test-controller",
	}
}

func TestTaskConversionRoundTrip(t *testing.T) {
	nodeID := uuid.New()
	genTask := &rctypes.Task[any, any]{
		ID:    uuid.New(),
		Kind:  rctypes.ServerControl,
		State: rctypes.Pending,
		Parameters: map[string]any{
			"node_id":   nodeID.String(),
			"operation": "set_boot_device",
			"params":    map[string]any{"boot_device": "pxe"},
		},
	}

	task, err := newTask(genTask)
	require.NoError(t, err)

	assert.Equal(t, genTask.ID, task.ID)
	assert.Equal(t, nodeID, task.Parameters.NodeID)
	assert.Equal(t, model.SetBootDevice, task.Parameters.Operation)
	assert.Equal(t, "pxe", task.Parameters.Params.String(model.ParamBootDevice))

	back, err := task.toGeneric()
	require.NoError(t, err)
	assert.Equal(t, genTask.ID, back.ID)
}

func TestNewTaskRejectsMissingNodeID(t *testing.T) {
	genTask := &rctypes.Task[any, any]{
		ID:         uuid.New(),
		Kind:       rctypes.ServerControl,
		Parameters: map[string]any{"operation": "power_on"},
	}

	_, err := newTask(genTask)
	require.ErrorIs(t, err, errInvalidConditionParams)
}

func TestHandleTaskRunsOperation(t *testing.T) {
	node := fakeNode()
	core, inmem := testCore(t, node)

	handler := newTestHandler(core)
	publisher := &fakePublisher{}

	genTask := &rctypes.Task[any, any]{
		ID:    uuid.New(),
		Kind:  rctypes.ServerControl,
		State: rctypes.Pending,
		Parameters: map[string]any{
			"node_id":   node.ID.String(),
			"operation": "power_off",
		},
	}

	require.NoError(t, handler.HandleTask(context.Background(), genTask, publisher))

	states := publisher.published()
	require.NotEmpty(t, states)
	assert.Equal(t, rctypes.Active, states[0])
	assert.Equal(t, rctypes.Succeeded, states[len(states)-1])

	stored, err := inmem.NodeByID(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PowerStateOff, stored.PowerState)
}

func TestHandleTaskPublishesFailureOnRejectedOperation(t *testing.T) {
	node := fakeNode()
	core, _ := testCore(t, node)

	handler := newTestHandler(core)
	publisher := &fakePublisher{}

	genTask := &rctypes.Task[any, any]{
		ID:    uuid.New(),
		Kind:  rctypes.ServerControl,
		State: rctypes.Pending,
		Parameters: map[string]any{
			"node_id":   node.ID.String(),
			"operation": "melt",
		},
	}

	err := handler.HandleTask(context.Background(), genTask, publisher)
	require.ErrorIs(t, err, model.ErrInvalidOperation)

	states := publisher.published()
	require.NotEmpty(t, states)
	assert.Equal(t, rctypes.Failed, states[len(states)-1])
}

func TestHandleTaskRejectsMalformedCondition(t *testing.T) {
	node := fakeNode()
	core, _ := testCore(t, node)

	handler := newTestHandler(core)
	publisher := &fakePublisher{}

	genTask := &rctypes.Task[any, any]{
		ID:   uuid.New(),
		Kind: rctypes.ServerControl,
	}

	err := handler.HandleTask(context.Background(), genTask, publisher)
	require.ErrorIs(t, err, errInvalidConditionParams)
	assert.Empty(t, publisher.published())
}
