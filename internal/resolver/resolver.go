package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/arbiter/internal/conversation"
	"github.com/MikeSquared-Agency/arbiter/internal/mail"
)

// Decisions on how an inbound message relates to existing conversations.
const (
	DecisionContinue = "CONTINUE"
	DecisionNew      = "NEW"
	DecisionNoOp     = "NO_OP"
)

// SimilarityFloor is the minimum similarity at which an oracle CONTINUE is
// honored. Below it (or with no score at all) the message is detached into a
// new conversation: the cheap failure is a redundant conversation, the
// expensive one is silently merging unrelated disputes.
const SimilarityFloor = 0.6

// Inherited carries fields the oracle learned from conversation context.
type Inherited struct {
	CounterpartyAddress string `json:"counterparty_address,omitempty"`
	CounterpartyID      string `json:"counterparty_id,omitempty"`
}

// Outcome is the result of context resolution for one inbound message.
type Outcome struct {
	Decision           string
	SimilarityScore    float64
	HasSimilarity      bool
	Matched            *conversation.Record
	Inherited          Inherited
	SkipClassification bool
	Notes              string
}

// Verdict is the context oracle's raw judgment.
type Verdict struct {
	Decision           string    `json:"decision"`
	Inherited          Inherited `json:"inherited_fields"`
	SkipClassification bool      `json:"skip_classification"`
	Notes              string    `json:"notes"`
}

// Oracle judges whether a message continues a candidate conversation. It is
// advisory: failures fall back to a deterministic default and malformed
// decisions are coerced, never surfaced.
type Oracle interface {
	Decide(ctx context.Context, p Payload) (Verdict, error)
}

// Payload is the context handed to the oracle.
type Payload struct {
	MessageID       string               `json:"message_id"`
	ThreadID        string               `json:"thread_id"`
	HasThreadID     bool                 `json:"has_thread_id"`
	SenderAddress   string               `json:"sender_address"`
	CandidateText   string               `json:"candidate_text"`
	SimilarityScore *float64             `json:"similarity_score"`
	RecordPresent   bool                 `json:"record_present"`
	Record          *conversation.Record `json:"record,omitempty"`
}

// Scorer is the similarity surface consumed here.
type Scorer interface {
	Score(ctx context.Context, candidate string, references []string) (float64, bool)
}

// Resolver decides whether an inbound message continues an existing
// conversation, starts a new one, or is a no-op duplicate.
type Resolver struct {
	store   conversation.Store
	matcher Scorer
	oracle  Oracle
	logger  *slog.Logger
}

func New(store conversation.Store, matcher Scorer, oracle Oracle, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, matcher: matcher, oracle: oracle, logger: logger}
}

// Resolve runs the two-signal context join: candidate lookup by thread hint
// with an address fallback, similarity scoring against the conversation's
// prior content, then the oracle's judgment gated by the similarity floor.
func (r *Resolver) Resolve(ctx context.Context, msg mail.Message) (Outcome, error) {
	senderAddr, _ := mail.NormalizeAddress(msg.From)
	candidateText := mail.CandidateText(msg)

	candidate, err := r.lookupCandidate(ctx, msg.ThreadID, senderAddr)
	if err != nil {
		return Outcome{}, err
	}

	var score float64
	var hasScore bool
	if candidate != nil {
		score, hasScore = r.matcher.Score(ctx, candidateText, candidate.ReferenceTexts())
	}

	verdict := r.consultOracle(ctx, msg, senderAddr, candidateText, candidate, score, hasScore)

	decision := verdict.Decision
	switch decision {
	case DecisionContinue, DecisionNew, DecisionNoOp:
	default:
		decision = DecisionNew
	}

	// Hard override: textual evidence outranks the oracle. Without a score
	// at or above the floor a CONTINUE is detached into NEW.
	if decision == DecisionContinue && (!hasScore || score < SimilarityFloor) {
		r.logger.Info("similarity floor override",
			"message_id", msg.ID,
			"score", score,
			"has_score", hasScore,
		)
		decision = DecisionNew
		candidate = nil
	}

	out := Outcome{
		Decision:           decision,
		SimilarityScore:    score,
		HasSimilarity:      hasScore,
		Inherited:          verdict.Inherited,
		SkipClassification: verdict.SkipClassification || decision == DecisionNoOp,
		Notes:              verdict.Notes,
	}

	switch decision {
	case DecisionContinue:
		r.mergeInherited(candidate, senderAddr, verdict.Inherited)
		candidate.AppendTrail(conversation.TrailEntry{
			MessageID:          msg.ID,
			TransportMessageID: msg.MessageIDHeader,
			Timestamp:          time.Now().UTC(),
			Classification:     conversation.TagContextContinuation,
			Summary:            msg.Subject,
		})
		if err := r.store.Put(ctx, candidate); err != nil {
			return Outcome{}, fmt.Errorf("persist continuation: %w", err)
		}
		out.Matched = candidate

	case DecisionNoOp:
		if candidate != nil {
			candidate.AppendTrail(conversation.TrailEntry{
				MessageID:          msg.ID,
				TransportMessageID: msg.MessageIDHeader,
				Timestamp:          time.Now().UTC(),
				Classification:     conversation.TagContextNoOp,
				Summary:            msg.Subject,
			})
			if err := r.store.Put(ctx, candidate); err != nil {
				return Outcome{}, fmt.Errorf("persist no-op trail: %w", err)
			}
		}
	}

	return out, nil
}

// lookupCandidate finds an existing conversation by the transport thread
// hint, falling back to the address index when the hint misses.
func (r *Resolver) lookupCandidate(ctx context.Context, threadID, senderAddr string) (*conversation.Record, error) {
	if threadID != "" {
		rec, err := r.store.Get(ctx, threadID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			return nil, fmt.Errorf("thread lookup: %w", err)
		}
	}

	if senderAddr == "" {
		return nil, nil
	}
	rec, err := r.store.FindActiveByAddress(ctx, senderAddr)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("address lookup: %w", err)
	}
	return rec, nil
}

// consultOracle asks the context oracle for a verdict, degrading to a
// deterministic default on any failure: CONTINUE-lean when a candidate
// exists, NEW otherwise.
func (r *Resolver) consultOracle(ctx context.Context, msg mail.Message, senderAddr, candidateText string, candidate *conversation.Record, score float64, hasScore bool) Verdict {
	var scorePtr *float64
	if hasScore {
		scorePtr = &score
	}

	verdict, err := r.oracle.Decide(ctx, Payload{
		MessageID:       msg.ID,
		ThreadID:        msg.ThreadID,
		HasThreadID:     msg.ThreadID != "",
		SenderAddress:   senderAddr,
		CandidateText:   candidateText,
		SimilarityScore: scorePtr,
		RecordPresent:   candidate != nil,
		Record:          candidate,
	})
	if err != nil {
		fallback := DecisionNew
		if candidate != nil {
			fallback = DecisionContinue
		}
		r.logger.Warn("context oracle failed, using fallback",
			"message_id", msg.ID,
			"fallback", fallback,
			"error", err,
		)
		return Verdict{Decision: fallback, Notes: "oracle fallback: " + fallback}
	}
	return verdict
}

func (r *Resolver) mergeInherited(rec *conversation.Record, senderAddr string, inh Inherited) {
	rec.AddAddress(senderAddr)
	rec.AddAddress(inh.CounterpartyAddress)
	if rec.CounterpartyID == "" && inh.CounterpartyID != "" {
		rec.CounterpartyID = inh.CounterpartyID
	}
}
