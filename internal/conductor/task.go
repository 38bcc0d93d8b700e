package conductor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metal-toolbox/conductor/internal/model"
)

// task tracks one submitted operation from Pending through Closed.
type task struct {
	id      uuid.UUID
	request model.OperationRequest
	created time.Time

	mu        sync.Mutex
	state     model.TaskState
	outcome   model.TaskOutcome
	lastError string
	attempts  int
	closedAt  time.Time
	cancelled bool
	lockLost  bool
	sealed    bool

	done chan struct{}
}

func newTask(request *model.OperationRequest) *task {
	return &task{
		id:      uuid.New(),
		request: *request,
		created: time.Now(),
		state:   model.TaskPending,
		done:    make(chan struct{}),
	}
}

func (t *task) setState(state model.TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = state
}

// markCancelled requests cooperative cancellation. Tasks already past
// Dispatched ignore it.
func (t *task) markCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case model.TaskPending, model.TaskLockAcquired, model.TaskDispatched:
		t.cancelled = true
	default:
	}
}

func (t *task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancelled
}

func (t *task) markLockLost() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lockLost = true
}

func (t *task) isLockLost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lockLost
}

// finish records the outcome, making it visible to status queries. A
// finish arriving after the task sealed is discarded.
func (t *task) finish(outcome model.TaskOutcome, attempts int, lastError string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return
	}

	t.outcome = outcome
	t.attempts = attempts
	t.lastError = lastError

	if outcome == model.OutcomeSucceeded {
		t.state = model.TaskSucceeded
	} else {
		t.state = model.TaskFailed
	}
}

// seal closes the task after its reservation is released. Sealing an
// already closed task is a no-op.
func (t *task) seal() {
	t.mu.Lock()
	if t.sealed {
		t.mu.Unlock()

		return
	}

	t.sealed = true
	t.state = model.TaskClosed
	t.closedAt = time.Now()
	t.mu.Unlock()

	close(t.done)
}

// closedBefore reports whether the task sealed before the cutoff.
func (t *task) closedBefore(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sealed && t.closedAt.Before(cutoff)
}

func (t *task) status() *model.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &model.TaskStatus{
		ID:        t.id,
		NodeID:    t.request.NodeID,
		Kind:      t.request.Kind,
		State:     t.state,
		Outcome:   t.outcome,
		LastError: t.lastError,
		Attempts:  t.attempts,
		CreatedAt: t.created,
		ClosedAt:  t.closedAt,
	}
}
