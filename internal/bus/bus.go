package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the event bus selected by cfg.Type: ChannelBus for the
// Community tier, NATSBus for Pro.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage wraps payload in an envelope for a concrete tenant. The
// caller's trace id, if any, travels in the metadata.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) (*domain.Message, error) {
	if tenantID == "" || tenantID == domain.AllTenants {
		return nil, errTenantRequired
	}
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata[domain.MetaTraceID] = sc.TraceID().String()
	}
	return msg, nil
}

// Responder is implemented by buses whose subscribers can answer Request.
type Responder interface {
	Respond(ctx context.Context, req *domain.Message, payload []byte) error
}

// Respond answers req on b. It fails when b cannot carry replies or req
// was not sent with Request.
func Respond(ctx context.Context, b domain.EventBus, req *domain.Message, payload []byte) error {
	r, ok := b.(Responder)
	if !ok {
		return fmt.Errorf("%T does not support replies", b)
	}
	return r.Respond(ctx, req, payload)
}
