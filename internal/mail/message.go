package mail

import "context"

// Message is a raw inbound email as delivered by the mail relay.
type Message struct {
	ID              string `json:"message_id"`
	ThreadID        string `json:"thread_id"`
	From            string `json:"from"`
	Subject         string `json:"subject"`
	Body            string `json:"body"`
	MessageIDHeader string `json:"message_id_header"`
	Date            string `json:"date"`
}

// Labels applied to processed messages.
const (
	LabelProcessed  = "arbiter/processed"
	LabelDispute    = "arbiter/dispute"
	LabelNonDispute = "arbiter/non-dispute"
)

// Inbox fetches new messages and tags processed ones.
type Inbox interface {
	Fetch(ctx context.Context, limit int) ([]Message, error)
	AddLabels(ctx context.Context, messageID string, labels ...string) error
}

// ReplyRequest describes an outbound reply threaded onto an existing
// conversation. InReplyTo carries the RFC Message-ID of the message being
// answered, falling back to the transport message id when the header is
// unavailable.
type ReplyRequest struct {
	ThreadID  string `json:"thread_id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	InReplyTo string `json:"in_reply_to"`
}

// Sender delivers outbound replies. Send-once semantics are enforced by the
// caller, not the transport.
type Sender interface {
	SendReply(ctx context.Context, req ReplyRequest) (string, error)
}
