package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the triage pipeline.
const (
	SubjectConversationAwaiting = "arbiter.conversation.awaiting"
	SubjectClarificationSent    = "arbiter.clarification.sent"
	SubjectDisputeResolved      = "arbiter.dispute.resolved"

	// SubjectReprocess triggers an immediate polling cycle out of band,
	// ahead of the regular interval.
	SubjectReprocess = "arbiter.reprocess"
)

// ConversationEvent announces a state change on a conversation.
type ConversationEvent struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	State          string  `json:"state"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
}

// DisputeResolvedEvent announces the outcome of a deterministic resolution,
// enabling downstream payment-hold and reporting consumers to react without
// polling the relational store.
type DisputeResolvedEvent struct {
	ConversationID string  `json:"conversation_id"`
	CounterpartyID string  `json:"counterparty_id"`
	InvoiceNumber  string  `json:"invoice_number"`
	DisputeValid   bool    `json:"dispute_valid"`
	Reason         string  `json:"reason"`
	RiskScore      float64 `json:"risk_score"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
