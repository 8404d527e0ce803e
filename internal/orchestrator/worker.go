package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/admission"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/circuit"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/parallel"
)

// Task config keys read by the admitted worker.
const (
	ConfigPriority          = "priority"
	ConfigEstimatedDuration = "estimated_duration"
	ConfigOperationType     = "operation_type"
)

// admittedWorker runs each task under an admission slot and through the
// tasks circuit.
type admittedWorker struct {
	next      parallel.Worker
	admission *admission.Controller
	breaker   *circuit.Breaker
}

func (w *admittedWorker) Run(ctx context.Context, task parallel.Task, cfg map[string]any) (map[string]any, error) {
	req, err := admissionRequest(task, cfg)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	err = w.admission.Do(ctx, req, func(ctx context.Context) error {
		return w.breaker.Execute(func() error {
			var runErr error
			out, runErr = w.next.Run(ctx, task, cfg)
			return runErr
		})
	})
	return out, err
}

// admissionRequest derives the slot request from the task config. The
// requester is operation-scoped so concurrent runs of the same task ids do
// not collide.
func admissionRequest(task parallel.Task, cfg map[string]any) (admission.Request, error) {
	req := admission.Request{
		RequesterID:   task.ID,
		Priority:      core.PriorityNormal,
		OperationType: "task",
	}
	if op, ok := cfg["parent_operation_id"].(string); ok && op != "" {
		req.RequesterID = op + "/" + task.ID
	}

	switch v := cfg[ConfigPriority].(type) {
	case nil:
	case string:
		p, err := core.ParsePriority(v)
		if err != nil {
			return admission.Request{}, err
		}
		req.Priority = p
	default:
		return admission.Request{}, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("task %s: priority must be a string, got %T", task.ID, v))
	}

	if s, ok := cfg[ConfigEstimatedDuration].(string); ok && s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return admission.Request{}, core.ErrValidation(core.CodeInvalidConfig,
				fmt.Sprintf("task %s: invalid estimated_duration %q", task.ID, s))
		}
		req.EstimatedDuration = d
	}
	if s, ok := cfg[ConfigOperationType].(string); ok && s != "" {
		req.OperationType = s
	}
	return req, nil
}
