package model

import (
	"time"

	"github.com/google/uuid"
)

// Params is the opaque parameter mapping carried by an operation request.
type Params map[string]any

func (p Params) String(key string) string {
	if p == nil {
		return ""
	}

	s, _ := p[key].(string)

	return s
}

func (p Params) Bool(key string) bool {
	if p == nil {
		return false
	}

	b, _ := p[key].(bool)

	return b
}

// Parameter keys recognized across operations.
const (
	ParamBootDevice = "boot_device"
	ParamPersistent = "persistent"
	ParamEFIBoot    = "efi_boot"
	ParamMethod     = "method"
	ParamForce      = "force"
)

// OperationRequest asks the conductor to run one out-of-band operation
// against a node.
type OperationRequest struct {
	NodeID           uuid.UUID     `json:"node_id"`
	Kind             OperationKind `json:"kind"`
	Params           Params        `json:"params,omitempty"`
	IdempotencyToken string        `json:"idempotency_token,omitempty"`
}

// OperationParameters is the condition parameter payload received over
// the events broker.
type OperationParameters struct {
	NodeID    uuid.UUID     `json:"node_id"`
	Operation OperationKind `json:"operation"`
	Params    Params        `json:"params,omitempty"`
}

// TaskStatus is the externally visible status of a task.
type TaskStatus struct {
	ID        uuid.UUID     `json:"id"`
	NodeID    uuid.UUID     `json:"node_id"`
	Kind      OperationKind `json:"kind"`
	State     TaskState     `json:"state"`
	Outcome   TaskOutcome   `json:"outcome,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	ClosedAt  time.Time     `json:"closed_at,omitempty"`
}

func (s *TaskStatus) AsLogFields() []any {
	return []any{
		"task_id", s.ID.String(),
		"node_id", s.NodeID.String(),
		"kind", string(s.Kind),
		"state", string(s.State),
		"outcome", string(s.Outcome),
		"error", s.LastError,
	}
}

// TaskRecord is the durable journal record of a closed task, written
// before the outcome becomes visible to callers.
type TaskRecord struct {
	TaskID    uuid.UUID     `json:"task_id"`
	NodeID    uuid.UUID     `json:"node_id"`
	Kind      OperationKind `json:"kind"`
	Outcome   TaskOutcome   `json:"outcome"`
	LastError string        `json:"last_error,omitempty"`
	Attempts  int           `json:"attempts"`
	CreatedAt time.Time     `json:"created_at"`
	ClosedAt  time.Time     `json:"closed_at"`
}
