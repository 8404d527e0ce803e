package events

// Event types emitted by the orchestration core.
const (
	TypeResourceStateChanged  = "resource_state_changed"
	TypeResourceErrorOccurred = "resource_error_occurred"
	TypeSystemHealthChanged   = "system_health_changed"
	TypeCoordination          = "phase_coordination"
	TypeMetricRecorded        = "metric_recorded"
)

// Emitter is the fire-and-forget event sink consumed by the coordinators.
// Implementations must not block the caller.
type Emitter interface {
	Emit(eventType string, payload map[string]any) bool
}

// PriorityEmitter is implemented by sinks that can deliver events which must
// never be dropped (fatal initialization errors, shutdown notices).
type PriorityEmitter interface {
	Emitter
	EmitPriority(eventType string, payload map[string]any) bool
}

// PayloadEvent carries an arbitrary payload.
type PayloadEvent struct {
	BaseEvent
	Payload map[string]any `json:"payload"`
}

// NewPayloadEvent creates an event with the given payload. The source is taken
// from payload["resource_id"] or payload["component"] when present.
func NewPayloadEvent(eventType string, payload map[string]any) PayloadEvent {
	source, _ := payload["resource_id"].(string)
	if source == "" {
		source, _ = payload["component"].(string)
	}
	return PayloadEvent{
		BaseEvent: NewBaseEvent(eventType, source),
		Payload:   payload,
	}
}

// Emit publishes a payload event. It never blocks.
func (eb *EventBus) Emit(eventType string, payload map[string]any) bool {
	return eb.Publish(NewPayloadEvent(eventType, payload))
}

// EmitPriority publishes a payload event that priority subscribers always receive.
func (eb *EventBus) EmitPriority(eventType string, payload map[string]any) bool {
	return eb.PublishPriority(NewPayloadEvent(eventType, payload))
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(string, map[string]any) bool { return true }

// EmitPriority implements PriorityEmitter.
func (Nop) EmitPriority(string, map[string]any) bool { return true }

// EmitImportant sends through EmitPriority when e supports it.
func EmitImportant(e Emitter, eventType string, payload map[string]any) bool {
	if pe, ok := e.(PriorityEmitter); ok {
		return pe.EmitPriority(eventType, payload)
	}
	return e.Emit(eventType, payload)
}

// Compile-time checks.
var (
	_ PriorityEmitter = (*EventBus)(nil)
	_ PriorityEmitter = Nop{}
)
