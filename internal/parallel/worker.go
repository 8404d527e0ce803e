package parallel

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
)

// Worker executes a single task. It is invoked exactly once per task per
// operation. A non-nil error marks the task failed; the result map is kept
// only for successful tasks.
type Worker interface {
	Run(ctx context.Context, task Task, config map[string]any) (map[string]any, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task Task, config map[string]any) (map[string]any, error)

// Run implements Worker.
func (f WorkerFunc) Run(ctx context.Context, task Task, config map[string]any) (map[string]any, error) {
	return f(ctx, task, config)
}

// NopWorker completes every task without doing anything. A task carrying
// a command is failed rather than silently skipped.
var NopWorker = WorkerFunc(func(_ context.Context, task Task, _ map[string]any) (map[string]any, error) {
	if task.Command != "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "task "+task.ID+" has a command but no command worker is configured")
	}
	return map[string]any{"skipped": true}, nil
})

// Combiner builds the combined artifact of a fully completed operation.
// order lists task ids in execution order.
type Combiner func(status OperationStatus, order []string, results map[string]map[string]any) *Artifact

// DefaultCombiner produces one section per task in execution order.
func DefaultCombiner(status OperationStatus, order []string, results map[string]map[string]any) *Artifact {
	sections := make([]Section, 0, len(order))
	for _, id := range order {
		sections = append(sections, Section{TaskID: id, Output: results[id]})
	}
	return &Artifact{
		OperationID: status.OperationID,
		GroupID:     status.GroupID,
		Sections:    sections,
		CreatedAt:   time.Now(),
	}
}
