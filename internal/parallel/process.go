package parallel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
)

const reasonClosed = "coordinator closed"

func (c *Coordinator) process(ctx context.Context, op *operation, sem *semaphore.Weighted) {
	defer close(op.done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("operation processing panicked",
				"operation_id", op.id, "panic", r, "stack", string(debug.Stack()))
			c.fail(op, fmt.Errorf("panic: %v", r))
		}
	}()

	for i, layer := range op.layers {
		if c.isCancelled(op) || ctx.Err() != nil {
			break
		}

		c.events.Emit(events.TypeCoordination, map[string]any{
			"event_type":   "parallel_layer_started",
			"resource_id":  CoordinatorID,
			"operation_id": op.id,
			"layer_index":  i,
			"task_count":   len(layer),
		})
		c.logger.Debug("processing layer",
			"operation_id", op.id, "layer", i+1, "of", len(op.layers), "tasks", len(layer))

		var g errgroup.Group
		for _, taskID := range layer {
			if dep, blocked := c.blockedBy(op, taskID); blocked {
				c.finishBlocked(op, taskID, dep)
				continue
			}
			g.Go(func() error {
				c.runTask(ctx, op, sem, taskID)
				return nil
			})
		}
		_ = g.Wait()

		c.events.Emit(events.TypeCoordination, map[string]any{
			"event_type":   "parallel_layer_completed",
			"resource_id":  CoordinatorID,
			"operation_id": op.id,
			"layer_index":  i,
			"task_count":   len(layer),
		})
	}

	c.finish(ctx, op)
}

func (c *Coordinator) isCancelled(op *operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return op.cancelled
}

// blockedBy returns the first dependency of taskID that did not complete.
func (c *Coordinator) blockedBy(op *operation, taskID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := op.tasks[taskID]
	for _, dep := range task.DependsOn {
		if op.tasks[dep].State != TaskCompleted {
			return dep, true
		}
	}
	task.DependenciesMet = true
	return "", false
}

func (c *Coordinator) finishBlocked(op *operation, taskID, dep string) {
	err := core.ErrDependencyUnmet(taskID, dep)

	c.mu.Lock()
	task := op.tasks[taskID]
	if task.State != TaskPending {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	task.State = TaskCancelled
	task.EndedAt = &now
	task.Error = err.Error()
	task.ErrorCode = core.CodeDependencyUnmet
	task.CancelReason = fmt.Sprintf("dependency %s did not complete", dep)
	c.mu.Unlock()

	c.logger.Info("task blocked by unmet dependency",
		"operation_id", op.id, "task_id", taskID, "dependency", dep)
	c.events.Emit(events.TypeCoordination, map[string]any{
		"event_type":   "task_cancelled",
		"resource_id":  CoordinatorID,
		"operation_id": op.id,
		"task_id":      taskID,
		"error_code":   core.CodeDependencyUnmet,
		"dependency":   dep,
	})
}

func (c *Coordinator) runTask(ctx context.Context, op *operation, sem *semaphore.Weighted, taskID string) {
	if err := sem.Acquire(ctx, 1); err != nil {
		c.cancelTask(op, taskID, reasonClosed)
		return
	}
	defer sem.Release(1)

	start, ok := c.markStarted(op, taskID)
	if !ok {
		return
	}
	c.events.Emit(events.TypeCoordination, map[string]any{
		"event_type":   "task_started",
		"resource_id":  CoordinatorID,
		"operation_id": op.id,
		"task_id":      taskID,
	})

	spec := op.specs[taskID]
	// Task keys override operation keys; the ids below override both.
	cfg := copyConfig(op.config)
	for k, v := range spec.Config {
		cfg[k] = v
	}
	cfg["parent_operation_id"] = op.id
	cfg["task_id"] = taskID
	if op.groupID != "" {
		cfg["group_id"] = op.groupID
	}

	result, err := c.invoke(ctx, spec, cfg)
	c.markFinished(op, taskID, start, result, err)
}

// invoke calls the worker, converting a panic into an error.
func (c *Coordinator) invoke(ctx context.Context, task Task, cfg map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("worker panicked", "task_id", task.ID, "panic", r)
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return c.worker.Run(ctx, task, cfg)
}

func (c *Coordinator) markStarted(op *operation, taskID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := op.tasks[taskID]
	if op.cancelled || task.State != TaskPending {
		return time.Time{}, false
	}
	now := time.Now()
	task.State = TaskInProgress
	task.StartedAt = &now
	return now, true
}

func (c *Coordinator) markFinished(op *operation, taskID string, start time.Time, result map[string]any, err error) {
	c.mu.Lock()
	task := op.tasks[taskID]
	if task.State != TaskInProgress {
		// Cancelled while running; the outcome is discarded.
		c.mu.Unlock()
		c.logger.Debug("discarding result of cancelled task", "operation_id", op.id, "task_id", taskID)
		return
	}
	now := time.Now()
	task.EndedAt = &now
	if err != nil {
		task.State = TaskFailed
		task.Error = err.Error()
		var domErr *core.DomainError
		if errors.As(err, &domErr) {
			task.ErrorCode = domErr.Code
		}
	} else {
		task.State = TaskCompleted
		task.Result = result
	}
	state := task.State
	c.mu.Unlock()

	duration := now.Sub(start)
	c.metrics.RecordMetric("parallel.task.duration_seconds", duration.Seconds(),
		map[string]string{"status": string(state)})

	payload := map[string]any{
		"resource_id":  CoordinatorID,
		"operation_id": op.id,
		"task_id":      taskID,
		"duration_ms":  float64(duration.Microseconds()) / 1000,
	}
	if err != nil {
		payload["event_type"] = "task_failed"
		payload["error"] = err.Error()
		c.logger.Warn("task failed", "operation_id", op.id, "task_id", taskID, "error", err)
	} else {
		payload["event_type"] = "task_completed"
		c.logger.Debug("task completed", "operation_id", op.id, "task_id", taskID, "duration", duration)
	}
	c.events.Emit(events.TypeCoordination, payload)
}

func (c *Coordinator) cancelTask(op *operation, taskID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := op.tasks[taskID]
	if task.State.IsTerminal() {
		return
	}
	now := time.Now()
	task.State = TaskCancelled
	task.EndedAt = &now
	task.CancelReason = reason
}

// finish finalizes the operation after the last layer or a stop.
func (c *Coordinator) finish(ctx context.Context, op *operation) {
	c.mu.Lock()
	now := time.Now()
	if !op.cancelled && ctx.Err() != nil {
		op.cancelled = true
		op.cancelReason = reasonClosed
	}
	for _, id := range op.order {
		task := op.tasks[id]
		if !task.State.IsTerminal() {
			task.State = TaskCancelled
			task.EndedAt = &now
			task.CancelReason = op.cancelReason
		}
	}
	alreadyReported := op.endedAt != nil
	if !alreadyReported {
		op.endedAt = &now
		op.state = finalState(op)
	}
	snapshot := c.snapshotLocked(op)
	c.mu.Unlock()

	c.persist(snapshot)

	rate := successRate(snapshot)
	duration := snapshot.EndedAt.Sub(snapshot.StartedAt)
	tags := map[string]string{"status": string(snapshot.State)}
	c.metrics.RecordMetric("parallel.operation.success_rate", rate, tags)
	c.metrics.RecordMetric("parallel.operation.duration_seconds", duration.Seconds(), tags)

	c.logger.Info("operation finished",
		"operation_id", op.id,
		"status", snapshot.State,
		"completed", snapshot.CompletedCount,
		"failed", snapshot.FailedCount,
		"cancelled", snapshot.CancelledCount,
		"duration", duration)

	if alreadyReported {
		return
	}
	eventType := "parallel_operation_completed"
	if snapshot.State == OperationCancelled {
		eventType = "parallel_operation_cancelled"
	}
	c.events.Emit(events.TypeCoordination, map[string]any{
		"event_type":      eventType,
		"resource_id":     CoordinatorID,
		"operation_id":    op.id,
		"group_id":        op.groupID,
		"status":          string(snapshot.State),
		"task_count":      snapshot.TaskCount,
		"completed_count": snapshot.CompletedCount,
		"failed_count":    snapshot.FailedCount,
		"cancelled_count": snapshot.CancelledCount,
		"success_rate":    rate,
	})
}

func finalState(op *operation) OperationState {
	if op.cancelled {
		return OperationCancelled
	}
	var completed, failed, cancelled int
	for _, task := range op.tasks {
		switch task.State {
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		case TaskCancelled:
			cancelled++
		}
	}
	switch {
	case failed == 0 && cancelled == 0:
		return OperationCompleted
	case completed > 0:
		return OperationPartialFailure
	default:
		return OperationFailed
	}
}

// fail finalizes an operation whose processing broke down. Unfinished tasks
// are marked failed.
func (c *Coordinator) fail(op *operation, cause error) {
	c.mu.Lock()
	now := time.Now()
	for _, id := range op.order {
		task := op.tasks[id]
		if !task.State.IsTerminal() {
			task.State = TaskFailed
			task.EndedAt = &now
			task.Error = cause.Error()
		}
	}
	if op.endedAt == nil {
		op.endedAt = &now
	}
	op.state = OperationFailed
	op.err = cause.Error()
	snapshot := c.snapshotLocked(op)
	c.mu.Unlock()

	c.persist(snapshot)
	c.metrics.RecordMetric("parallel.operation.failed", 1, nil)
	events.EmitImportant(c.events, events.TypeCoordination, map[string]any{
		"event_type":      "parallel_operation_failed",
		"resource_id":     CoordinatorID,
		"operation_id":    op.id,
		"error":           cause.Error(),
		"task_count":      snapshot.TaskCount,
		"completed_count": snapshot.CompletedCount,
		"failed_count":    snapshot.FailedCount,
	})
}

// Cancel marks every pending and in-progress task of the operation
// cancelled and stops new layers from starting. Running workers are not
// interrupted; their results are discarded.
func (c *Coordinator) Cancel(ctx context.Context, operationID, reason string) (CancelResult, error) {
	c.mu.Lock()
	op, ok := c.ops[operationID]
	if !ok {
		c.mu.Unlock()
		if _, err := c.loadStatus(ctx, operationID); err != nil {
			return CancelResult{}, err
		}
		return CancelResult{}, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("operation %s already finished", operationID))
	}
	if op.endedAt != nil {
		c.mu.Unlock()
		return CancelResult{}, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("operation %s already finished", operationID))
	}

	now := time.Now()
	op.cancelled = true
	op.cancelReason = reason
	op.endedAt = &now
	op.state = OperationCancelled
	for _, id := range op.order {
		task := op.tasks[id]
		if task.State == TaskPending || task.State == TaskInProgress {
			task.State = TaskCancelled
			task.EndedAt = &now
			task.CancelReason = reason
		}
	}
	snapshot := c.snapshotLocked(op)
	c.mu.Unlock()

	c.persist(snapshot)
	c.metrics.RecordMetric("parallel.operation.cancelled", 1, map[string]string{"group": op.groupID})
	c.events.Emit(events.TypeCoordination, map[string]any{
		"event_type":      "parallel_operation_cancelled",
		"resource_id":     CoordinatorID,
		"operation_id":    operationID,
		"reason":          reason,
		"completed_count": snapshot.CompletedCount,
		"cancelled_count": snapshot.CancelledCount,
		"failed_count":    snapshot.FailedCount,
	})
	c.logger.Info("operation cancelled", "operation_id", operationID, "reason", reason)

	return CancelResult{
		OperationID: operationID,
		Reason:      reason,
		Completed:   snapshot.Tasks.Completed,
		Cancelled:   snapshot.Tasks.Cancelled,
		Failed:      snapshot.Tasks.Failed,
	}, nil
}
