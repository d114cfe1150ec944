package audit

import "time"

// EventType represents the type of audit event.
type EventType string

const (
	// Investigation lifecycle events
	EventInvestigationStarted   EventType = "investigation.started"
	EventInvestigationResumed   EventType = "investigation.resumed"
	EventInvestigationCompleted EventType = "investigation.completed"
	EventInvestigationFailed    EventType = "investigation.failed"

	// Tool events
	EventToolExecuted EventType = "tool.executed"
	EventToolFailed   EventType = "tool.failed"

	// Artifact events
	EventInsightUpserted        EventType = "insight.upserted"
	EventRecommendationCreated  EventType = "recommendation.created"
	EventRecommendationAcked    EventType = "recommendation.acknowledged"
	EventRecommendationRejected EventType = "recommendation.rejected"
	EventRuleDraftCreated       EventType = "rule_draft.created"
	EventRuleDraftExported      EventType = "rule_draft.exported"

	// Configuration events
	EventConfigLoaded EventType = "config.loaded"
	EventConfigReload EventType = "config.reload"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event. Events are append-only; the old
// and new values record mutating transitions for replay.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Actor information
	PerformedBy string `json:"performed_by,omitempty"`

	// Entity information
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`

	// Transition details
	Action      string         `json:"action,omitempty"`
	OldValue    string         `json:"old_value,omitempty"`
	NewValue    string         `json:"new_value,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]any),
	}
}

// WithCorrelationID sets the correlation ID for event tracking.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithActor sets who performed the action.
func (e *Event) WithActor(actor string) *Event {
	e.PerformedBy = actor
	return e
}

// WithEntity sets the entity being acted upon.
func (e *Event) WithEntity(entityType, entityID string) *Event {
	e.EntityType = entityType
	e.EntityID = entityID
	return e
}

// WithAction sets the action being performed.
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithTransition records the old and new values of a mutation.
func (e *Event) WithTransition(oldValue, newValue string) *Event {
	e.OldValue = oldValue
	e.NewValue = newValue
	return e
}

// WithDescription sets a human-readable description.
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event.
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information and marks the event failed.
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds.
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event.
func (e *Event) WithMetadata(key string, value any) *Event {
	e.Metadata[key] = value
	return e
}
