package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/arbiter/internal/claim"
	"github.com/MikeSquared-Agency/arbiter/internal/classifier"
	"github.com/MikeSquared-Agency/arbiter/internal/conversation"
	"github.com/MikeSquared-Agency/arbiter/internal/dispute"
	"github.com/MikeSquared-Agency/arbiter/internal/drafter"
	"github.com/MikeSquared-Agency/arbiter/internal/mail"
	"github.com/MikeSquared-Agency/arbiter/internal/resolver"
	"github.com/google/uuid"
)

// Action summarizes what handling a message did.
type Action string

const (
	ActionSkipped            Action = "SKIPPED"
	ActionIgnored            Action = "IGNORED"
	ActionAwaiting           Action = "AWAITING_CLARIFICATION"
	ActionResolvedNonDispute Action = "RESOLVED_NON_DISPUTE"
	ActionResolvedDispute    Action = "RESOLVED_DISPUTE"
)

// Outcome reports the effect of one message on its conversation.
type Outcome struct {
	Action            Action
	ConversationID    string
	Classification    string
	Confidence        float64
	ClarificationSent bool
	Resolution        *dispute.Resolution
}

// Classifier labels message text as dispute, non-dispute, or ambiguous.
type Classifier interface {
	Classify(ctx context.Context, text string) (classifier.Decision, error)
}

// Drafter produces a single-question clarification email.
type Drafter interface {
	Draft(ctx context.Context, req drafter.Request) (drafter.Draft, error)
}

// Claims extracts structured invoice claims from message text.
type Claims interface {
	Extract(ctx context.Context, messageText string) (claim.Claim, error)
}

// Disputes checks a confirmed claim against authoritative records.
type Disputes interface {
	Resolve(ctx context.Context, senderAddress string, cl claim.Claim, confidence float64) (*dispute.Resolution, error)
}

// Engine drives conversations through their state machine. States only move
// forward: a terminal conversation is never reopened, a later message on the
// same counterparty starts a fresh record instead.
type Engine struct {
	store         conversation.Store
	classifier    Classifier
	drafter       Drafter
	claims        Claims
	disputes      Disputes
	sender        mail.Sender
	senderDisplay string
	logger        *slog.Logger
}

func New(store conversation.Store, cls Classifier, dr Drafter, claims Claims, disputes Disputes, sender mail.Sender, senderDisplay string, logger *slog.Logger) *Engine {
	return &Engine{
		store:         store,
		classifier:    cls,
		drafter:       dr,
		claims:        claims,
		disputes:      disputes,
		sender:        sender,
		senderDisplay: senderDisplay,
		logger:        logger,
	}
}

// Handle applies one context-resolved message to its conversation.
func (e *Engine) Handle(ctx context.Context, msg mail.Message, res resolver.Outcome) (Outcome, error) {
	if res.SkipClassification {
		out := Outcome{Action: ActionSkipped}
		if res.Matched != nil {
			out.ConversationID = res.Matched.ConversationID
		}
		return out, nil
	}

	rec := res.Matched
	if rec != nil && rec.HasMessage(msg.ID) {
		return e.resumeDelivery(ctx, msg, rec)
	}
	if rec != nil && rec.State == conversation.StateAwaitingClarification && rec.PendingQuestion != "" {
		return e.handleReply(ctx, msg, rec)
	}

	// A terminal record cannot absorb new messages; the message is treated
	// as detached and may start a new conversation below, under a fresh
	// identifier so the resolved record is never reopened.
	detached := false
	if rec != nil && rec.State.Terminal() {
		rec = nil
		detached = true
	}
	return e.handleFresh(ctx, msg, rec, detached)
}

// resumeDelivery handles a message the conversation has already absorbed: an
// at-least-once redelivery. The persisted record is the durable checkpoint,
// so nothing is reclassified or redrafted; the only things re-attempted are
// side effects the checkpoint shows as outstanding, a clarification send that
// never happened or a dispute resolution whose case was never recorded.
func (e *Engine) resumeDelivery(ctx context.Context, msg mail.Message, rec *conversation.Record) (Outcome, error) {
	out := Outcome{
		Action:         ActionSkipped,
		ConversationID: rec.ConversationID,
		Classification: rec.LastClassification,
		Confidence:     rec.Confidence,
	}
	if rec.State == conversation.StateAwaitingClarification && rec.PendingQuestion != "" && rec.ClarificationSentAt == nil {
		senderAddr, _ := mail.NormalizeAddress(msg.From)
		sent, err := e.sendClarification(ctx, msg, rec.ConversationID, senderAddr)
		if err != nil {
			return Outcome{}, err
		}
		out.Action = ActionAwaiting
		out.ClarificationSent = sent
	}
	if rec.State == conversation.StateResolvedDispute && rec.DisputeRecordedAt == nil {
		text := rec.ResolutionText
		if text == "" {
			text = mail.CandidateText(msg)
		}
		resolution, err := e.resolveDispute(ctx, msg, text, rec.Confidence)
		if err != nil {
			return Outcome{}, err
		}
		out.Action = ActionResolvedDispute
		out.Resolution = resolution
		if err := e.markDisputeRecorded(ctx, rec); err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

// handleReply processes an answer to an outstanding clarification. The reply
// is never classified alone: it is evaluated together with the original email
// and the question it answers.
func (e *Engine) handleReply(ctx context.Context, msg mail.Message, rec *conversation.Record) (Outcome, error) {
	combined := classifier.ReplyContext(rec.OriginalText, rec.PendingQuestion, mail.CandidateText(msg))

	decision, err := e.classifier.Classify(ctx, combined)
	if err != nil {
		return Outcome{}, fmt.Errorf("classify clarification reply: %w", err)
	}

	// The question has been answered. Even an ambiguous answer consumes it;
	// no second clarification is drafted automatically.
	rec.PendingQuestion = ""
	rec.PendingDraftBody = ""
	rec.LastClassification = decision.Classification
	rec.Confidence = decision.Confidence
	e.summarizeTrail(rec, msg, decision.Classification)

	out := Outcome{
		ConversationID: rec.ConversationID,
		Classification: decision.Classification,
		Confidence:     decision.Confidence,
	}

	switch decision.Classification {
	case classifier.NonDispute:
		rec.State = conversation.StateResolvedNonDispute
		out.Action = ActionResolvedNonDispute

	case classifier.Dispute:
		rec.State = conversation.StateResolvedDispute
		rec.ResolutionText = combined
		out.Action = ActionResolvedDispute

	default:
		out.Action = ActionAwaiting
	}

	if err := e.store.Put(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("persist reply transition: %w", err)
	}

	if decision.Classification == classifier.Dispute {
		resolution, err := e.resolveDispute(ctx, msg, combined, decision.Confidence)
		if err != nil {
			return Outcome{}, err
		}
		out.Resolution = resolution
		if err := e.markDisputeRecorded(ctx, rec); err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

// handleFresh classifies a message that answers no outstanding question.
func (e *Engine) handleFresh(ctx context.Context, msg mail.Message, rec *conversation.Record, detached bool) (Outcome, error) {
	text := mail.CandidateText(msg)

	decision, err := e.classifier.Classify(ctx, text)
	if err != nil {
		return Outcome{}, fmt.Errorf("classify message: %w", err)
	}

	out := Outcome{
		Classification: decision.Classification,
		Confidence:     decision.Confidence,
	}

	switch decision.Classification {
	case classifier.NonDispute:
		// Nothing to track: no record is created for routine mail.
		if rec == nil {
			out.Action = ActionIgnored
			return out, nil
		}
		rec.State = conversation.StateResolvedNonDispute
		rec.LastClassification = decision.Classification
		rec.Confidence = decision.Confidence
		e.summarizeTrail(rec, msg, decision.Classification)
		if err := e.store.Put(ctx, rec); err != nil {
			return Outcome{}, fmt.Errorf("persist non-dispute resolution: %w", err)
		}
		out.Action = ActionResolvedNonDispute
		out.ConversationID = rec.ConversationID
		return out, nil

	case classifier.Dispute:
		if rec != nil {
			rec.State = conversation.StateResolvedDispute
			rec.ResolutionText = text
			rec.LastClassification = decision.Classification
			rec.Confidence = decision.Confidence
			e.summarizeTrail(rec, msg, decision.Classification)
			if err := e.store.Put(ctx, rec); err != nil {
				return Outcome{}, fmt.Errorf("persist dispute resolution: %w", err)
			}
			out.ConversationID = rec.ConversationID
		}
		resolution, err := e.resolveDispute(ctx, msg, text, decision.Confidence)
		if err != nil {
			return Outcome{}, err
		}
		out.Action = ActionResolvedDispute
		out.Resolution = resolution
		if rec != nil {
			if err := e.markDisputeRecorded(ctx, rec); err != nil {
				return Outcome{}, err
			}
		}
		return out, nil

	default: // AMBIGUOUS
		return e.handleAmbiguous(ctx, msg, rec, text, decision, detached)
	}
}

// handleAmbiguous seeds or updates a conversation awaiting clarification and
// drives the exactly-once clarification send.
func (e *Engine) handleAmbiguous(ctx context.Context, msg mail.Message, rec *conversation.Record, text string, decision classifier.Decision, detached bool) (Outcome, error) {
	senderAddr, _ := mail.NormalizeAddress(msg.From)

	if rec == nil {
		id := msg.ThreadID
		if id != "" && !detached {
			// The resolver may have kept this message apart from a live
			// conversation stored under the same thread id. Reusing the id
			// would overwrite that record, so any occupant forces a fresh
			// identifier.
			switch _, err := e.store.Get(ctx, id); {
			case err == nil:
				detached = true
			case !errors.Is(err, conversation.ErrNotFound):
				return Outcome{}, fmt.Errorf("check conversation id: %w", err)
			}
		}
		if id == "" || detached {
			id = uuid.New().String()
		}
		rec = &conversation.Record{
			ConversationID: id,
			State:          conversation.StateAwaitingClarification,
		}
		rec.SetOriginalText(text)
	}
	rec.AddAddress(senderAddr)
	rec.LastClassification = decision.Classification
	rec.Confidence = decision.Confidence
	e.summarizeTrail(rec, msg, decision.Classification)

	// Draft exactly once: a retry that finds a question already stored
	// reuses it without consulting the oracle again.
	if rec.PendingQuestion == "" {
		draft, err := e.drafter.Draft(ctx, drafter.Request{
			MessageText:     text,
			AmbiguityReason: decision.Reason,
			Confidence:      decision.Confidence,
			OriginalText:    rec.OriginalText,
			TrailSummaries:  rec.ReferenceTexts(),
			SenderDisplay:   e.senderDisplay,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("draft clarification: %w", err)
		}
		rec.PendingQuestion = draft.Question
		rec.PendingDraftBody = draft.Body
	}

	if err := e.store.Put(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("persist awaiting record: %w", err)
	}

	sent, err := e.sendClarification(ctx, msg, rec.ConversationID, senderAddr)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Action:            ActionAwaiting,
		ConversationID:    rec.ConversationID,
		Classification:    decision.Classification,
		Confidence:        decision.Confidence,
		ClarificationSent: sent,
	}, nil
}

// sendClarification re-fetches the record and sends only when it still
// awaits clarification with the question unsent. The record is the single
// source of truth here: the in-memory copy from earlier in the transition is
// not trusted for the send decision.
func (e *Engine) sendClarification(ctx context.Context, msg mail.Message, conversationID, recipient string) (bool, error) {
	fresh, err := e.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return false, fmt.Errorf("conversation %s vanished before send: %w", conversationID, err)
		}
		return false, fmt.Errorf("re-fetch before send: %w", err)
	}

	if fresh.State != conversation.StateAwaitingClarification || fresh.PendingQuestion == "" || fresh.ClarificationSentAt != nil {
		return false, nil
	}

	body := fresh.PendingDraftBody
	if body == "" {
		body = drafter.FallbackBody(fresh.PendingQuestion, e.senderDisplay)
	}
	inReplyTo := msg.MessageIDHeader
	if inReplyTo == "" {
		inReplyTo = msg.ID
	}

	sentID, err := e.sender.SendReply(ctx, mail.ReplyRequest{
		ThreadID:  msg.ThreadID,
		To:        recipient,
		Subject:   mail.ReplySubject(msg.Subject),
		Body:      body,
		InReplyTo: inReplyTo,
	})
	if err != nil {
		return false, fmt.Errorf("send clarification: %w", err)
	}

	fresh.MarkClarificationSent(time.Now().UTC())
	if err := e.store.Put(ctx, fresh); err != nil {
		return false, fmt.Errorf("persist clarification flag: %w", err)
	}

	e.logger.Info("clarification sent",
		"conversation_id", conversationID,
		"recipient", recipient,
		"sent_message_id", sentID,
	)
	return true, nil
}

// resolveDispute extracts the structured claim and runs the deterministic
// check. The per-message unit of work already runs concurrently with its
// siblings, so the resolution happens inline after the state persist.
func (e *Engine) resolveDispute(ctx context.Context, msg mail.Message, text string, confidence float64) (*dispute.Resolution, error) {
	cl, err := e.claims.Extract(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("extract claim: %w", err)
	}

	senderAddr, _ := mail.NormalizeAddress(msg.From)
	resolution, err := e.disputes.Resolve(ctx, senderAddr, cl, confidence)
	if err != nil {
		return nil, fmt.Errorf("resolve dispute: %w", err)
	}
	return resolution, nil
}

// markDisputeRecorded stamps the record after its case row landed, so a
// redelivery knows the resolution is not outstanding.
func (e *Engine) markDisputeRecorded(ctx context.Context, rec *conversation.Record) error {
	rec.MarkDisputeRecorded(time.Now().UTC())
	if err := e.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist resolution marker: %w", err)
	}
	return nil
}

// summarizeTrail appends a deduplicated trail entry for the message. A
// duplicate delivery leaves the trail untouched.
func (e *Engine) summarizeTrail(rec *conversation.Record, msg mail.Message, classification string) {
	rec.AppendTrail(conversation.TrailEntry{
		MessageID:          msg.ID,
		TransportMessageID: msg.MessageIDHeader,
		Timestamp:          time.Now().UTC(),
		Classification:     classification,
		Summary:            mail.FirstLine(mail.CandidateText(msg)),
	})
}
