package conversation

import (
	"time"
)

// State is the lifecycle position of a conversation. A conversation with no
// stored record is implicitly new.
type State string

const (
	StateAwaitingClarification State = "AWAITING_CLARIFICATION"
	StateResolvedNonDispute    State = "RESOLVED_NON_DISPUTE"
	StateResolvedDispute       State = "RESOLVED_DISPUTE"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateResolvedNonDispute || s == StateResolvedDispute
}

// Trail tags recorded by context resolution, distinct from the classifier's
// DISPUTE / NON_DISPUTE / AMBIGUOUS labels.
const (
	TagContextContinuation = "CONTEXT_CONTINUATION"
	TagContextNoOp         = "CONTEXT_NO_OP"
)

// TrailEntry is one durable mark of a message having been processed within
// a conversation.
type TrailEntry struct {
	MessageID          string    `json:"message_id"`
	TransportMessageID string    `json:"transport_message_id,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Classification     string    `json:"classification"`
	Summary            string    `json:"summary"`
}

// Record is the per-conversation state held in the conversation store.
type Record struct {
	ConversationID        string       `json:"conversation_id"`
	CounterpartyID        string       `json:"counterparty_id,omitempty"`
	CounterpartyAddresses []string     `json:"counterparty_addresses,omitempty"`
	State                 State        `json:"state"`
	Trail                 []TrailEntry `json:"trail"`
	OriginalText          string       `json:"original_text,omitempty"`
	PendingQuestion       string       `json:"pending_question,omitempty"`
	PendingDraftBody      string       `json:"pending_draft_body,omitempty"`
	ClarificationSentAt   *time.Time   `json:"clarification_sent_at,omitempty"`
	ResolutionText        string       `json:"resolution_text,omitempty"`
	DisputeRecordedAt     *time.Time   `json:"dispute_recorded_at,omitempty"`
	LastClassification    string       `json:"last_classification,omitempty"`
	Confidence            float64      `json:"confidence"`
	CreatedAt             time.Time    `json:"created_at"`
	LastUpdated           time.Time    `json:"last_updated"`
}

// AppendTrail appends an entry unless one with the same message id already
// exists. Returns true when the entry was added.
func (r *Record) AppendTrail(e TrailEntry) bool {
	for _, existing := range r.Trail {
		if existing.MessageID == e.MessageID {
			return false
		}
	}
	r.Trail = append(r.Trail, e)
	return true
}

// HasMessage reports whether a message id is already on the trail.
func (r *Record) HasMessage(messageID string) bool {
	for _, e := range r.Trail {
		if e.MessageID == messageID {
			return true
		}
	}
	return false
}

// AddAddress records a counterparty address if not already known. Insertion
// order is preserved for display.
func (r *Record) AddAddress(address string) bool {
	if address == "" {
		return false
	}
	for _, a := range r.CounterpartyAddresses {
		if a == address {
			return false
		}
	}
	r.CounterpartyAddresses = append(r.CounterpartyAddresses, address)
	return true
}

// SetOriginalText seeds the similarity anchor. The first message body wins;
// later calls are no-ops.
func (r *Record) SetOriginalText(text string) {
	if r.OriginalText == "" {
		r.OriginalText = text
	}
}

// MarkClarificationSent sets the send flag. Once set it is never overwritten;
// returns false when the flag was already present.
func (r *Record) MarkClarificationSent(at time.Time) bool {
	if r.ClarificationSentAt != nil {
		return false
	}
	t := at.UTC()
	r.ClarificationSentAt = &t
	return true
}

// MarkDisputeRecorded sets the case-recorded flag. Once set it is never
// overwritten; returns false when the flag was already present.
func (r *Record) MarkDisputeRecorded(at time.Time) bool {
	if r.DisputeRecordedAt != nil {
		return false
	}
	t := at.UTC()
	r.DisputeRecordedAt = &t
	return true
}

// ReferenceTexts returns the similarity reference set: the original text plus
// up to three most-recent trail summaries, most recent first, capped at four
// texts total.
func (r *Record) ReferenceTexts() []string {
	var refs []string
	if r.OriginalText != "" {
		refs = append(refs, r.OriginalText)
	}
	for i := len(r.Trail) - 1; i >= 0 && len(refs) < 4; i-- {
		if s := r.Trail[i].Summary; s != "" {
			refs = append(refs, s)
		}
	}
	return refs
}
