package parallel

import (
	"context"
	"sort"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/store"
)

// snapshotLocked copies the operation. Task sets follow execution order, so
// repeated snapshots of a finished operation are identical.
func (c *Coordinator) snapshotLocked(op *operation) OperationStatus {
	s := OperationStatus{
		OperationID:  op.id,
		ParentID:     op.parentID,
		GroupID:      op.groupID,
		Layers:       copyLayers(op.layers),
		TaskCount:    len(op.order),
		Tasks:        TaskSets{Completed: []string{}, InProgress: []string{}, Pending: []string{}, Failed: []string{}, Cancelled: []string{}},
		TaskStatuses: make(map[string]TaskStatus, len(op.order)),
		StartedAt:    op.startedAt,
		CancelReason: op.cancelReason,
		Error:        op.err,
	}

	started := false
	for _, id := range op.order {
		task := *op.tasks[id]
		task.DependsOn = append([]string(nil), task.DependsOn...)
		s.TaskStatuses[id] = task

		switch task.State {
		case TaskCompleted:
			s.Tasks.Completed = append(s.Tasks.Completed, id)
		case TaskInProgress:
			s.Tasks.InProgress = append(s.Tasks.InProgress, id)
		case TaskPending:
			s.Tasks.Pending = append(s.Tasks.Pending, id)
		case TaskFailed:
			s.Tasks.Failed = append(s.Tasks.Failed, id)
		case TaskCancelled:
			s.Tasks.Cancelled = append(s.Tasks.Cancelled, id)
		}
		if task.State != TaskPending {
			started = true
		}
	}
	s.CompletedCount = len(s.Tasks.Completed)
	s.InProgressCount = len(s.Tasks.InProgress)
	s.PendingCount = len(s.Tasks.Pending)
	s.FailedCount = len(s.Tasks.Failed)
	s.CancelledCount = len(s.Tasks.Cancelled)
	if s.TaskCount > 0 {
		s.CompletionPercentage = float64(s.CompletedCount) / float64(s.TaskCount) * 100
	}

	switch {
	case op.endedAt != nil:
		s.State = op.state
		ended := *op.endedAt
		s.EndedAt = &ended
		ms := float64(ended.Sub(op.startedAt).Microseconds()) / 1000
		s.DurationMs = &ms
	case s.FailedCount > 0:
		s.State = OperationPartialFailure
	case started:
		s.State = OperationInProgress
	default:
		s.State = OperationStarted
	}
	return s
}

func copyLayers(layers [][]string) [][]string {
	out := make([][]string, len(layers))
	for i, l := range layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

func successRate(s OperationStatus) float64 {
	if s.TaskCount == 0 {
		return 0
	}
	return float64(s.CompletedCount) / float64(s.TaskCount)
}

func (c *Coordinator) persist(s OperationStatus) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	if err := store.SetJSON(ctx, c.store, OperationKeyPrefix+s.OperationID, s); err != nil {
		c.logger.Warn("failed to persist operation", "operation_id", s.OperationID, "error", err)
	}
}

func (c *Coordinator) loadStatus(ctx context.Context, operationID string) (OperationStatus, error) {
	if c.store != nil {
		var s OperationStatus
		err := store.GetJSON(ctx, c.store, OperationKeyPrefix+operationID, &s)
		if err == nil {
			return s, nil
		}
		if !store.IsNotFound(err) {
			return OperationStatus{}, err
		}
	}
	return OperationStatus{}, core.ErrNotFound("operation", operationID)
}

// GetOperationStatus returns a snapshot of the operation. Operations no
// longer held in memory are read back from the store.
func (c *Coordinator) GetOperationStatus(ctx context.Context, operationID string) (OperationStatus, error) {
	c.mu.Lock()
	op, ok := c.ops[operationID]
	if ok {
		s := c.snapshotLocked(op)
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()
	return c.loadStatus(ctx, operationID)
}

// GetTaskStatus returns the task from the most recent operation that
// contained it.
func (c *Coordinator) GetTaskStatus(taskID string) (TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opID, ok := c.taskIndex[taskID]
	if !ok {
		return TaskStatus{}, core.ErrNotFound("task", taskID)
	}
	op, ok := c.ops[opID]
	if !ok {
		return TaskStatus{}, core.ErrNotFound("task", taskID)
	}
	task := *op.tasks[taskID]
	task.DependsOn = append([]string(nil), task.DependsOn...)
	return task, nil
}

// ListOperations returns every in-memory operation, oldest first.
func (c *Coordinator) ListOperations() []OperationStatus {
	c.mu.Lock()
	out := make([]OperationStatus, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, c.snapshotLocked(op))
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].OperationID < out[j].OperationID
	})
	return out
}

// Aggregate summarizes an operation. Results of completed tasks are always
// returned; the combined artifact only when every task completed.
func (c *Coordinator) Aggregate(ctx context.Context, operationID string) (Aggregate, error) {
	status, err := c.GetOperationStatus(ctx, operationID)
	if err != nil {
		return Aggregate{}, err
	}

	agg := Aggregate{
		OperationID:    status.OperationID,
		GroupID:        status.GroupID,
		State:          status.State,
		TaskCount:      status.TaskCount,
		CompletedCount: status.CompletedCount,
		FailedCount:    status.FailedCount,
		CancelledCount: status.CancelledCount,
		SuccessRate:    successRate(status),
		Completed:      status.Tasks.Completed,
		Failed:         status.Tasks.Failed,
		Cancelled:      status.Tasks.Cancelled,
		AggregatedAt:   time.Now(),
	}

	results := make(map[string]map[string]any, len(status.Tasks.Completed))
	for _, id := range status.Tasks.Completed {
		results[id] = status.TaskStatuses[id].Result
	}
	if len(results) > 0 {
		agg.Results = results
	}

	var total time.Duration
	var n int
	for _, task := range status.TaskStatuses {
		if d, ok := task.Duration(); ok {
			total += d
			n++
		}
	}
	if n > 0 {
		avg := float64((total / time.Duration(n)).Microseconds()) / 1000
		agg.AvgDurationMs = &avg
	}

	if status.State == OperationCompleted {
		order := make([]string, 0, status.TaskCount)
		for _, layer := range status.Layers {
			order = append(order, layer...)
		}
		agg.Artifact = c.combiner(status, order, results)
	}

	c.metrics.RecordMetric("parallel.aggregate.success_rate", agg.SuccessRate,
		map[string]string{"status": string(agg.State)})
	return agg, nil
}

// Prune drops finished operations that ended more than maxAge ago, from
// memory and from the store. It returns the pruned ids, sorted.
func (c *Coordinator) Prune(ctx context.Context, maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	pruned := make([]string, 0)
	for id, op := range c.ops {
		if op.endedAt == nil || op.endedAt.After(cutoff) {
			continue
		}
		select {
		case <-op.done:
		default:
			// Cancelled but a layer is still draining.
			continue
		}
		delete(c.ops, id)
		for _, taskID := range op.order {
			if c.taskIndex[taskID] == id {
				delete(c.taskIndex, taskID)
			}
		}
		pruned = append(pruned, id)
	}
	c.mu.Unlock()

	sort.Strings(pruned)
	if c.store != nil {
		for _, id := range pruned {
			if err := c.store.Delete(ctx, OperationKeyPrefix+id); err != nil {
				c.logger.Warn("failed to delete persisted operation", "operation_id", id, "error", err)
			}
		}
	}
	if len(pruned) > 0 {
		c.logger.Info("pruned finished operations", "count", len(pruned))
	}
	return pruned
}
