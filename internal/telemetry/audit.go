package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AuditRoutingKey is where sync lifecycle events are published.
const AuditRoutingKey = "sync.audit"

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	userID      string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	TraceID       string       `json:"trace_id,omitempty"`
	UserID        string       `json:"user_id"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level          string `json:"level"`
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment, userID string) *AuditEmitter {
	if routingKey == "" {
		routingKey = AuditRoutingKey
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		userID:      userID,
		now:         time.Now,
	}
}

// Emit publishes one sync lifecycle event. Failures are logged only.
func (e *AuditEmitter) Emit(ctx context.Context, event, conversationID, detail string) {
	if e == nil || e.publisher == nil {
		return
	}

	log.Printf("audit emit: event=%s conversation=%s detail=%q", event, conversationID, detail)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "sync_audit",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		UserID:        e.userID,
		Payload: AuditPayload{
			Level:          levelFor(event),
			Event:          event,
			ConversationID: conversationID,
			Detail:         detail,
		},
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		envelope.TraceID = sc.TraceID().String()
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("audit marshal failed: %v", err)
		return
	}
	if err := e.publisher.Publish(ctx, e.routingKey, body); err != nil {
		log.Printf("audit publish failed: %v", err)
	}
}

func levelFor(event string) string {
	switch event {
	case "write_failed", "feed_degraded":
		return "warn"
	default:
		return "info"
	}
}
