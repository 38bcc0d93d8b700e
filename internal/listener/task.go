package listener

import (
	"encoding/json"

	"github.com/google/uuid"
	rctypes "github.com/metal-toolbox/rivets/v2/condition"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/conductor/internal/model"
)

// Task is the typed view of a serverControl condition task.
type Task rctypes.Task[*model.OperationParameters, json.RawMessage]

// newTask converts a generic condition task through a JSON round trip
// and validates its parameter payload.
func newTask(generic *rctypes.Task[any, any]) (*Task, error) {
	buf, err := json.Marshal(generic)
	if err != nil {
		return nil, errors.Wrap(errTaskConv, err.Error())
	}

	task := &Task{}
	if err := json.Unmarshal(buf, task); err != nil {
		return nil, errors.Wrap(errTaskConv, err.Error())
	}

	if task.Parameters == nil {
		return nil, errors.Wrap(errInvalidConditionParams, "missing parameters")
	}

	if task.Parameters.NodeID == uuid.Nil {
		return nil, errors.Wrap(errInvalidConditionParams, "node_id is required")
	}

	if task.Parameters.Operation == "" {
		return nil, errors.Wrap(errInvalidConditionParams, "operation is required")
	}

	return task, nil
}

func (t *Task) toGeneric() (*rctypes.Task[any, any], error) {
	buf, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(errTaskConv, err.Error())
	}

	generic := &rctypes.Task[any, any]{}
	if err := json.Unmarshal(buf, generic); err != nil {
		return nil, errors.Wrap(errTaskConv, err.Error())
	}

	return generic, nil
}
