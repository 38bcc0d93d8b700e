package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/metal-toolbox/ctrl"
	rctypes "github.com/metal-toolbox/rivets/v2/condition"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/metal-toolbox/conductor/internal/conductor"
	"github.com/metal-toolbox/conductor/internal/model"
)

type TaskHandler struct {
	logger       *logrus.Entry
	conductor    *conductor.Conductor
	publisher    ctrl.Publisher
	task         *Task
	startTS      time.Time
	controllerID string
}

func (th *TaskHandler) HandleTask(ctx context.Context, genTask *rctypes.Task[any, any], publisher ctrl.Publisher) error {
	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"listener.HandleTask",
	)
	defer span.End()

	var err error
	th.publisher = publisher
	th.startTS = time.Now()

	// Ungeneric the task
	th.task, err = newTask(genTask)
	if err != nil {
		th.logger.WithFields(logrus.Fields{
			"conditionID":  genTask.ID,
			"controllerID": th.controllerID,
			"err":          err.Error(),
		}).Error("condition parameter error")
		return err
	}

	params := th.task.Parameters

	// New log entry for this condition
	th.logger = th.logger.WithFields(
		logrus.Fields{
			"controllerID": th.controllerID,
			"conditionID":  th.task.ID.String(),
			"nodeID":       params.NodeID.String(),
			"operation":    string(params.Operation),
		},
	)

	return th.run(ctx)
}

func (th *TaskHandler) run(ctx context.Context) error {
	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"TaskHandler.run",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	params := th.task.Parameters

	err := th.publishActive(ctx, "dispatching operation "+string(params.Operation))
	if err != nil {
		return err
	}

	// the condition ID doubles as the idempotency token, so a
	// redelivered condition reattaches to its running task instead of
	// submitting a second one
	taskID, err := th.conductor.Submit(ctx, &model.OperationRequest{
		NodeID:           params.NodeID,
		Kind:             params.Operation,
		Params:           params.Params,
		IdempotencyToken: th.task.ID.String(),
	})
	if err != nil {
		if model.IsTransient(err) {
			th.logger.WithError(err).Warn("node inventory unreachable, retrying condition")
			return ctrl.ErrRetryHandler
		}

		return th.failedWithError(ctx, "operation rejected", err)
	}

	status, err := th.conductor.Wait(ctx, taskID)
	if err != nil {
		// interrupted mid-task, the next delivery reattaches by token
		th.logger.WithError(err).Warn("interrupted waiting on task")
		return ctrl.ErrRetryHandler
	}

	if status.Outcome == model.OutcomeSucceeded {
		return th.successful(ctx, fmt.Sprintf("operation %s complete, attempts: %d", params.Operation, status.Attempts))
	}

	return th.failed(ctx, status.LastError)
}
