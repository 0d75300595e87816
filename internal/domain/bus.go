package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// Subscribing with AllTenants receives the topic for every tenant.
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string `json:"type"`

	// ChannelBufferSize is the per-subscriber queue of the channel bus.
	ChannelBufferSize int `json:"channelBufferSize"`

	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds

	// NATSQueueGroup shares all-tenant subscriptions across instances.
	NATSQueueGroup string `json:"natsQueueGroup"`
}

// AllTenants subscribes to a topic for every tenant.
const AllTenants = "*"

// Message metadata keys.
const (
	// MetaTraceID carries the publisher's trace id.
	MetaTraceID = "trace_id"

	// MetaReplyTo is set on messages sent with Request. Handlers answer
	// through the bus's Respond.
	MetaReplyTo = "reply_to"
)

// Topic names used by the async evaluation pipeline.
const (
	TopicSubmissionReceived = "kestrel.submission.received"
	TopicEvaluationResult   = "kestrel.evaluation.result"
	TopicEvaluationAlert    = "kestrel.evaluation.alert"
)

// AlertMessage is the payload of TopicEvaluationAlert. It carries only the
// rules that triggered.
type AlertMessage struct {
	EvaluationID   string         `json:"evaluationId"`
	ApplicationID  string         `json:"applicationId"`
	TenantID       string         `json:"tenantId"`
	TotalScore     int            `json:"totalScore"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	Recommendation Recommendation `json:"recommendation"`
	TraceID        string         `json:"traceId,omitempty"`
	Triggered      []RuleResult   `json:"triggered"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
}

// SubmissionMessage is the payload of TopicSubmissionReceived.
type SubmissionMessage struct {
	EvaluationID string            `json:"evaluationId"`
	Scope        Scope             `json:"scope"`
	TraceID      string            `json:"traceId,omitempty"`
	Request      EvaluationRequest `json:"request"`
}
