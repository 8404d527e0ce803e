package parallel

import (
	"time"
)

// TaskState is the lifecycle state of one task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

// IsTerminal reports whether the task will not change state again.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// OperationState is the overall state of an operation.
type OperationState string

const (
	OperationStarted        OperationState = "started"
	OperationInProgress     OperationState = "in_progress"
	OperationCompleted      OperationState = "completed"
	OperationPartialFailure OperationState = "partial_failure"
	OperationFailed         OperationState = "failed"
	OperationCancelled      OperationState = "cancelled"
)

// Task is one unit of work submitted with an operation.
type Task struct {
	ID        string         `json:"id" yaml:"id"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Command   string         `json:"command,omitempty" yaml:"command,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Request starts an operation.
type Request struct {
	// OperationID is generated when empty.
	OperationID string
	ParentID    string
	GroupID     string
	Tasks       []Task
	// Config is copied into every worker call.
	Config map[string]any
	// Mode overrides the coordinator's layer mode when set.
	Mode string
}

// Plan is returned by Start before any task runs.
type Plan struct {
	OperationID string         `json:"operation_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	GroupID     string         `json:"group_id,omitempty"`
	State       OperationState `json:"status"`
	TaskCount   int            `json:"task_count"`
	Layers      [][]string     `json:"dependency_layers"`
	// IgnoredDependencies lists "task -> dep" edges naming unknown tasks.
	IgnoredDependencies []string `json:"ignored_dependencies,omitempty"`
}

// TaskStatus is a snapshot of one task.
type TaskStatus struct {
	ID              string         `json:"task_id"`
	OperationID     string         `json:"operation_id"`
	GroupID         string         `json:"group_id,omitempty"`
	State           TaskState      `json:"status"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	DependenciesMet bool           `json:"dependencies_met"`
	Layer           int            `json:"layer"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"start_time,omitempty"`
	EndedAt         *time.Time     `json:"end_time,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	CancelReason    string         `json:"cancel_reason,omitempty"`
}

// Duration returns the run time of a started and finished task.
func (t TaskStatus) Duration() (time.Duration, bool) {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0, false
	}
	return t.EndedAt.Sub(*t.StartedAt), true
}

// TaskSets groups task ids by state, in execution order.
type TaskSets struct {
	Completed  []string `json:"completed"`
	InProgress []string `json:"in_progress"`
	Pending    []string `json:"pending"`
	Failed     []string `json:"failed"`
	Cancelled  []string `json:"cancelled"`
}

// OperationStatus is a snapshot of an operation.
type OperationStatus struct {
	OperationID          string                `json:"operation_id"`
	ParentID             string                `json:"parent_id,omitempty"`
	GroupID              string                `json:"group_id,omitempty"`
	State                OperationState        `json:"status"`
	Layers               [][]string            `json:"dependency_layers"`
	TaskCount            int                   `json:"task_count"`
	CompletedCount       int                   `json:"completed_count"`
	InProgressCount      int                   `json:"in_progress_count"`
	PendingCount         int                   `json:"pending_count"`
	FailedCount          int                   `json:"failed_count"`
	CancelledCount       int                   `json:"cancelled_count"`
	CompletionPercentage float64               `json:"completion_percentage"`
	Tasks                TaskSets              `json:"tasks"`
	TaskStatuses         map[string]TaskStatus `json:"task_statuses"`
	StartedAt            time.Time             `json:"start_time"`
	EndedAt              *time.Time            `json:"end_time,omitempty"`
	DurationMs           *float64              `json:"duration_ms,omitempty"`
	CancelReason         string                `json:"cancel_reason,omitempty"`
	Error                string                `json:"error,omitempty"`
}

// IsTerminal reports whether the operation has finished.
func (s OperationStatus) IsTerminal() bool {
	return s.EndedAt != nil
}

// Section is one task's contribution to a combined artifact.
type Section struct {
	TaskID string         `json:"task_id"`
	Output map[string]any `json:"output,omitempty"`
}

// Artifact is the combined output of a fully completed operation.
type Artifact struct {
	OperationID string    `json:"operation_id"`
	GroupID     string    `json:"group_id,omitempty"`
	Sections    []Section `json:"sections"`
	CreatedAt   time.Time `json:"created_at"`
}

// Aggregate summarizes the outcome of an operation.
type Aggregate struct {
	OperationID    string                    `json:"operation_id"`
	GroupID        string                    `json:"group_id,omitempty"`
	State          OperationState            `json:"status"`
	TaskCount      int                       `json:"task_count"`
	CompletedCount int                       `json:"completed_count"`
	FailedCount    int                       `json:"failed_count"`
	CancelledCount int                       `json:"cancelled_count"`
	SuccessRate    float64                   `json:"success_rate"`
	AvgDurationMs  *float64                  `json:"avg_duration_ms,omitempty"`
	Completed      []string                  `json:"completed"`
	Failed         []string                  `json:"failed"`
	Cancelled      []string                  `json:"cancelled"`
	Results        map[string]map[string]any `json:"results,omitempty"`
	Artifact       *Artifact                 `json:"artifact,omitempty"`
	AggregatedAt   time.Time                 `json:"aggregated_at"`
}

// CancelResult reports the outcome of Cancel.
type CancelResult struct {
	OperationID string   `json:"operation_id"`
	Reason      string   `json:"reason"`
	Completed   []string `json:"completed"`
	Cancelled   []string `json:"cancelled"`
	Failed      []string `json:"failed"`
}
