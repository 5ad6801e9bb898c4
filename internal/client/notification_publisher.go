package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pesio-ai/be-ad-reservations/internal/clock"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
)

// NotificationPublisher publishes engine events to NATS for the notification
// service.
//
// Subject convention: <prefix>.<event>
// Events: talent_approval_requested, talent_approval_decided,
// admin_approval_requested, admin_approval_decided, campaign_booked,
// reservation_expired, reservation_cancelled
//
// Delivery is best effort. The engine logs a failed publish and moves on.
type NotificationPublisher struct {
	conn   *nats.Conn
	prefix string
	clock  clock.Clock
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType     string                 `json:"event_type"`
	RecipientRole string                 `json:"recipient_role"`
	Category      string                 `json:"category"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// ConnectNATS dials the NATS server with unlimited reconnects.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return conn, nil
}

// NewNotificationPublisher creates a publisher backed by conn. Events are
// stamped with clk, the system clock when nil.
func NewNotificationPublisher(conn *nats.Conn, prefix string, clk clock.Clock, log *logger.Logger) *NotificationPublisher {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, clock: clk, log: logger.OrNop(log)}
}

// Notify publishes one event.
func (p *NotificationPublisher) Notify(ctx context.Context, recipientRole, event string, payload map[string]interface{}) error {
	if p.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(p.event(recipientRole, event, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal notification %s: %w", event, err)
	}

	subject := p.Subject(event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("recipient_role", recipientRole).
		Msg("notification: event published")
	return nil
}

func (p *NotificationPublisher) event(recipientRole, event string, payload map[string]interface{}) *NotificationEvent {
	return &NotificationEvent{
		EventType:     event,
		RecipientRole: recipientRole,
		Category:      "ad_reservations",
		OccurredAt:    p.clock.Now(),
		Payload:       payload,
	}
}

// Subject returns the NATS subject of an event.
func (p *NotificationPublisher) Subject(event string) string {
	if p.prefix == "" {
		return event
	}
	return p.prefix + "." + event
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string, map[string]interface{}) error {
	return nil
}
