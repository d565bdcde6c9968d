package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/arbiter/internal/claim"
	"github.com/MikeSquared-Agency/arbiter/internal/classifier"
	"github.com/MikeSquared-Agency/arbiter/internal/conversation"
	"github.com/MikeSquared-Agency/arbiter/internal/dispute"
	"github.com/MikeSquared-Agency/arbiter/internal/drafter"
	"github.com/MikeSquared-Agency/arbiter/internal/mail"
	"github.com/MikeSquared-Agency/arbiter/internal/resolver"
)

type fakeClassifier struct {
	decision classifier.Decision
	err      error
	calls    int
	lastText string
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) (classifier.Decision, error) {
	f.calls++
	f.lastText = text
	return f.decision, f.err
}

type fakeDrafter struct {
	draft drafter.Draft
	err   error
	calls int
}

func (f *fakeDrafter) Draft(ctx context.Context, req drafter.Request) (drafter.Draft, error) {
	f.calls++
	return f.draft, f.err
}

type fakeClaims struct {
	claim    claim.Claim
	err      error
	calls    int
	lastText string
}

func (f *fakeClaims) Extract(ctx context.Context, messageText string) (claim.Claim, error) {
	f.calls++
	f.lastText = messageText
	return f.claim, f.err
}

type fakeDisputes struct {
	resolution *dispute.Resolution
	err        error
	calls      int
}

func (f *fakeDisputes) Resolve(ctx context.Context, senderAddress string, cl claim.Claim, confidence float64) (*dispute.Resolution, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.resolution == nil {
		return &dispute.Resolution{Valid: true, Reason: dispute.ReasonAmountMismatchValid}, nil
	}
	return f.resolution, nil
}

type fakeSender struct {
	err   error
	calls int
	last  mail.ReplyRequest
}

func (f *fakeSender) SendReply(ctx context.Context, req mail.ReplyRequest) (string, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	return "sent-1", nil
}

type fixture struct {
	store      *conversation.MemoryStore
	classifier *fakeClassifier
	drafter    *fakeDrafter
	claims     *fakeClaims
	disputes   *fakeDisputes
	sender     *fakeSender
	engine     *Engine
}

func newFixture(decision classifier.Decision) *fixture {
	f := &fixture{
		store:      conversation.NewMemoryStore(time.Hour),
		classifier: &fakeClassifier{decision: decision},
		drafter:    &fakeDrafter{draft: drafter.Draft{Question: "Which invoice?", Body: "Hello,\n\nWhich invoice?\n\nThank you,\nArbiter"}},
		claims:     &fakeClaims{claim: claim.Claim{Primary: claim.Invoice{InvoiceNumber: "INV-100"}}},
		disputes:   &fakeDisputes{},
		sender:     &fakeSender{},
	}
	f.engine = New(f.store, f.classifier, f.drafter, f.claims, f.disputes, f.sender, "Arbiter", slog.Default())
	return f
}

func message(id, threadID string) mail.Message {
	return mail.Message{
		ID:              id,
		ThreadID:        threadID,
		From:            "Pat Doe <pat@acme.example>",
		Subject:         "Payment issue",
		Body:            "There seems to be a problem with our last payment.",
		MessageIDHeader: "<" + id + "@mail>",
	}
}

func ambiguous() classifier.Decision {
	return classifier.Decision{Classification: classifier.Ambiguous, Confidence: 0.4, Reason: "no invoice reference"}
}

func TestHandle_SkipClassification(t *testing.T) {
	f := newFixture(ambiguous())
	out, err := f.engine.Handle(context.Background(), message("m1", "t1"), resolver.Outcome{
		Decision:           resolver.DecisionNoOp,
		SkipClassification: true,
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionSkipped {
		t.Errorf("action = %q, want SKIPPED", out.Action)
	}
	if f.classifier.calls != 0 {
		t.Error("classifier must not run for skipped messages")
	}
}

func TestHandle_FreshNonDisputeIgnored(t *testing.T) {
	f := newFixture(classifier.Decision{Classification: classifier.NonDispute, Confidence: 0.9, Reason: "shipping notice"})
	out, err := f.engine.Handle(context.Background(), message("m1", "t1"), resolver.Outcome{Decision: resolver.DecisionNew})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionIgnored {
		t.Errorf("action = %q, want IGNORED", out.Action)
	}
	if _, err := f.store.Get(context.Background(), "t1"); err == nil {
		t.Error("no record should be created for routine mail")
	}
}

func TestHandle_FreshAmbiguousCreatesAndSends(t *testing.T) {
	f := newFixture(ambiguous())
	out, err := f.engine.Handle(context.Background(), message("m1", "t1"), resolver.Outcome{Decision: resolver.DecisionNew})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionAwaiting || !out.ClarificationSent {
		t.Fatalf("expected awaiting with clarification sent, got %+v", out)
	}
	if f.drafter.calls != 1 || f.sender.calls != 1 {
		t.Errorf("draft/send calls = %d/%d, want 1/1", f.drafter.calls, f.sender.calls)
	}

	rec, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State != conversation.StateAwaitingClarification {
		t.Errorf("state = %q, want AWAITING_CLARIFICATION", rec.State)
	}
	if rec.PendingQuestion != "Which invoice?" {
		t.Errorf("pending question = %q", rec.PendingQuestion)
	}
	if rec.ClarificationSentAt == nil {
		t.Error("clarification_sent_at must be set after the send")
	}
	if rec.OriginalText == "" {
		t.Error("original text must be seeded on creation")
	}
	if len(rec.Trail) != 1 || rec.Trail[0].MessageID != "m1" {
		t.Errorf("trail = %+v, want one entry for m1", rec.Trail)
	}
	if f.sender.last.To != "pat@acme.example" {
		t.Errorf("reply recipient = %q", f.sender.last.To)
	}
	if !strings.HasPrefix(f.sender.last.Subject, "Re: ") {
		t.Errorf("reply subject = %q, want Re: prefix", f.sender.last.Subject)
	}
}

func TestHandle_DuplicateDeliverySendsOnce(t *testing.T) {
	f := newFixture(ambiguous())
	msg := message("m1", "t1")

	if _, err := f.engine.Handle(context.Background(), msg, resolver.Outcome{Decision: resolver.DecisionNew}); err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}

	rec, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	out, err := f.engine.Handle(context.Background(), msg, resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  rec,
	})
	if err != nil {
		t.Fatalf("second Handle failed: %v", err)
	}
	if out.Action != ActionSkipped {
		t.Errorf("action = %q, want SKIPPED for an already-sent redelivery", out.Action)
	}
	if f.sender.calls != 1 {
		t.Errorf("send calls = %d, want exactly 1", f.sender.calls)
	}
	if f.drafter.calls != 1 {
		t.Errorf("draft calls = %d, want exactly 1", f.drafter.calls)
	}
}

func TestHandle_RedeliveryResumesUnsentClarification(t *testing.T) {
	f := newFixture(ambiguous())
	rec := &conversation.Record{
		ConversationID:     "t1",
		State:              conversation.StateAwaitingClarification,
		OriginalText:       "original",
		PendingQuestion:    "Which invoice?",
		PendingDraftBody:   "Hello,\n\nWhich invoice?\n\nThank you,\nArbiter",
		LastClassification: classifier.Ambiguous,
	}
	rec.AppendTrail(conversation.TrailEntry{MessageID: "m1", Classification: classifier.Ambiguous})
	if err := f.store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	out, err := f.engine.Handle(context.Background(), message("m1", "t1"), resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  rec,
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !out.ClarificationSent {
		t.Fatal("redelivery must complete the unsent clarification")
	}
	if f.sender.calls != 1 {
		t.Errorf("send calls = %d, want 1", f.sender.calls)
	}
	if f.classifier.calls != 0 || f.drafter.calls != 0 {
		t.Error("redelivery must not reclassify or redraft")
	}

	got, _ := f.store.Get(context.Background(), "t1")
	if got.ClarificationSentAt == nil {
		t.Error("clarification_sent_at must be set after the resumed send")
	}
}

func TestHandle_SendFailureLeavesRetryableState(t *testing.T) {
	f := newFixture(ambiguous())
	f.sender.err = fmt.Errorf("relay unavailable")

	if _, err := f.engine.Handle(context.Background(), message("m1", "t1"), resolver.Outcome{Decision: resolver.DecisionNew}); err == nil {
		t.Fatal("expected send failure to surface")
	}

	rec, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.ClarificationSentAt != nil {
		t.Error("a failed send must not set clarification_sent_at")
	}
	if rec.PendingQuestion == "" {
		t.Error("the draft must survive a failed send for the retry")
	}
}

func replyFixture(t *testing.T, decision classifier.Decision) (*fixture, *conversation.Record) {
	t.Helper()
	f := newFixture(decision)
	sentAt := time.Now().UTC().Add(-time.Hour)
	rec := &conversation.Record{
		ConversationID:      "t1",
		State:               conversation.StateAwaitingClarification,
		OriginalText:        "There seems to be a problem with invoice INV-100.",
		PendingQuestion:     "Which amount do you believe is wrong?",
		PendingDraftBody:    "body",
		ClarificationSentAt: &sentAt,
	}
	rec.AppendTrail(conversation.TrailEntry{MessageID: "m1", Classification: classifier.Ambiguous})
	if err := f.store.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return f, rec
}

func TestHandle_ReplyDispute(t *testing.T) {
	f, rec := replyFixture(t, classifier.Decision{Classification: classifier.Dispute, Confidence: 0.93, Reason: "amount contested"})

	reply := message("m2", "t1")
	reply.Body = "We were billed 3600 but the PO says 2500 on INV-100."
	out, err := f.engine.Handle(context.Background(), reply, resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  rec,
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionResolvedDispute {
		t.Fatalf("action = %q, want RESOLVED_DISPUTE", out.Action)
	}
	if out.Resolution == nil {
		t.Fatal("expected a dispute resolution")
	}

	// The reply is judged with its full context, never alone.
	for _, part := range []string{"problem with invoice INV-100", "Which amount do you believe is wrong?", "billed 3600"} {
		if !strings.Contains(f.classifier.lastText, part) {
			t.Errorf("combined context missing %q", part)
		}
	}

	got, _ := f.store.Get(context.Background(), "t1")
	if got.State != conversation.StateResolvedDispute {
		t.Errorf("state = %q, want RESOLVED_DISPUTE", got.State)
	}
	if got.PendingQuestion != "" {
		t.Error("pending question must be cleared by the reply")
	}
	if f.claims.calls != 1 || f.disputes.calls != 1 {
		t.Errorf("claims/disputes calls = %d/%d, want 1/1", f.claims.calls, f.disputes.calls)
	}
	if got.DisputeRecordedAt == nil {
		t.Error("dispute_recorded_at must be stamped after the case row landed")
	}
}

func TestHandle_ReplyDisputeClaimFailureRetries(t *testing.T) {
	f, rec := replyFixture(t, classifier.Decision{Classification: classifier.Dispute, Confidence: 0.93, Reason: "amount contested"})
	f.claims.err = fmt.Errorf("oracle unreachable")

	reply := message("m2", "t1")
	reply.Body = "We were billed 3600 but the PO says 2500 on INV-100."
	if _, err := f.engine.Handle(context.Background(), reply, resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  rec,
	}); err == nil {
		t.Fatal("expected claim extraction failure to surface")
	}

	// The terminal state is the durable checkpoint; the case row is still
	// outstanding.
	got, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != conversation.StateResolvedDispute {
		t.Fatalf("state = %q, want RESOLVED_DISPUTE", got.State)
	}
	if got.DisputeRecordedAt != nil {
		t.Fatal("a failed resolution must not be marked recorded")
	}
	if f.disputes.calls != 0 {
		t.Fatalf("disputes calls = %d, want 0 after the failed extraction", f.disputes.calls)
	}

	// Redelivery picks the resolution back up from the checkpoint.
	f.claims.err = nil
	out, err := f.engine.Handle(context.Background(), reply, resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  got,
	})
	if err != nil {
		t.Fatalf("retry Handle failed: %v", err)
	}
	if out.Action != ActionResolvedDispute || out.Resolution == nil {
		t.Fatalf("expected resumed dispute resolution, got %+v", out)
	}
	if f.classifier.calls != 1 {
		t.Errorf("classifier calls = %d, the retry must not reclassify", f.classifier.calls)
	}
	if !strings.Contains(f.claims.lastText, "Which amount do you believe is wrong?") {
		t.Error("the resumed extraction must use the persisted combined context")
	}

	got, _ = f.store.Get(context.Background(), "t1")
	if got.DisputeRecordedAt == nil {
		t.Fatal("dispute_recorded_at must be stamped after the resumed resolution")
	}

	// A further redelivery is a pure no-op.
	out, err = f.engine.Handle(context.Background(), reply, resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  got,
	})
	if err != nil {
		t.Fatalf("third Handle failed: %v", err)
	}
	if out.Action != ActionSkipped {
		t.Errorf("action = %q, want SKIPPED once the case is recorded", out.Action)
	}
	if f.disputes.calls != 1 {
		t.Errorf("disputes calls = %d, want exactly 1", f.disputes.calls)
	}
}

func TestHandle_ReplyNonDispute(t *testing.T) {
	f, rec := replyFixture(t, classifier.Decision{Classification: classifier.NonDispute, Confidence: 0.9, Reason: "misread statement"})

	out, err := f.engine.Handle(context.Background(), message("m2", "t1"), resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  rec,
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionResolvedNonDispute {
		t.Errorf("action = %q, want RESOLVED_NON_DISPUTE", out.Action)
	}
	got, _ := f.store.Get(context.Background(), "t1")
	if got.State != conversation.StateResolvedNonDispute {
		t.Errorf("state = %q", got.State)
	}
	if f.disputes.calls != 0 {
		t.Error("non-dispute must not reach the deterministic resolver")
	}
}

func TestHandle_ReplyStillAmbiguousStaysAwaiting(t *testing.T) {
	f, rec := replyFixture(t, ambiguous())

	out, err := f.engine.Handle(context.Background(), message("m2", "t1"), resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  rec,
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionAwaiting {
		t.Errorf("action = %q, want AWAITING_CLARIFICATION", out.Action)
	}

	got, _ := f.store.Get(context.Background(), "t1")
	if got.State != conversation.StateAwaitingClarification {
		t.Errorf("state = %q, must remain awaiting", got.State)
	}
	if got.PendingQuestion != "" {
		t.Error("the answered question must be cleared even when the reply is ambiguous")
	}
	if f.drafter.calls != 0 {
		t.Error("an ambiguous reply must not trigger a second draft")
	}
	if f.sender.calls != 0 {
		t.Error("no second clarification may be sent")
	}
}

func TestHandle_FreshDisputeWithoutRecord(t *testing.T) {
	f := newFixture(classifier.Decision{Classification: classifier.Dispute, Confidence: 0.95, Reason: "explicit overbilling claim"})

	out, err := f.engine.Handle(context.Background(), message("m1", "t1"), resolver.Outcome{Decision: resolver.DecisionNew})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionResolvedDispute || out.Resolution == nil {
		t.Fatalf("expected immediate dispute resolution, got %+v", out)
	}
	if _, err := f.store.Get(context.Background(), "t1"); err == nil {
		t.Error("an unambiguous first message needs no conversation record")
	}
}

func TestHandle_TerminalRecordDetaches(t *testing.T) {
	f := newFixture(ambiguous())
	terminal := &conversation.Record{
		ConversationID: "t1",
		State:          conversation.StateResolvedDispute,
		OriginalText:   "old matter",
	}
	terminal.AppendTrail(conversation.TrailEntry{MessageID: "m1", Classification: classifier.Dispute})
	if err := f.store.Put(context.Background(), terminal); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	out, err := f.engine.Handle(context.Background(), message("m9", "t1"), resolver.Outcome{
		Decision: resolver.DecisionContinue,
		Matched:  terminal,
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionAwaiting {
		t.Fatalf("action = %q, want AWAITING_CLARIFICATION for the detached message", out.Action)
	}
	if out.ConversationID == "t1" {
		t.Error("a resolved conversation must not be reopened under its old identifier")
	}

	old, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if old.State != conversation.StateResolvedDispute {
		t.Error("the terminal record must be left untouched")
	}
}

func TestHandle_DetachedThreadNeverClobbersLiveRecord(t *testing.T) {
	f := newFixture(ambiguous())
	sentAt := time.Now().UTC().Add(-time.Hour)
	live := &conversation.Record{
		ConversationID:      "t1",
		State:               conversation.StateAwaitingClarification,
		OriginalText:        "live matter",
		PendingQuestion:     "Which invoice does this concern?",
		PendingDraftBody:    "body",
		ClarificationSentAt: &sentAt,
	}
	live.AppendTrail(conversation.TrailEntry{MessageID: "m1", Classification: classifier.Ambiguous})
	if err := f.store.Put(context.Background(), live); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The resolver judged the new message unrelated to the conversation that
	// owns this thread id.
	out, err := f.engine.Handle(context.Background(), message("m2", "t1"), resolver.Outcome{Decision: resolver.DecisionNew})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if out.Action != ActionAwaiting {
		t.Fatalf("action = %q, want AWAITING_CLARIFICATION", out.Action)
	}
	if out.ConversationID == "t1" {
		t.Fatal("a detached message must start under a fresh identifier")
	}

	old, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if old.OriginalText != "live matter" {
		t.Errorf("original text = %q, must be untouched", old.OriginalText)
	}
	if len(old.Trail) != 1 || old.Trail[0].MessageID != "m1" {
		t.Errorf("trail = %+v, must be untouched", old.Trail)
	}
	if old.ClarificationSentAt == nil || !old.ClarificationSentAt.Equal(sentAt) {
		t.Errorf("clarification_sent_at = %v, must keep its original stamp", old.ClarificationSentAt)
	}
	if old.PendingQuestion != "Which invoice does this concern?" {
		t.Errorf("pending question = %q, must be untouched", old.PendingQuestion)
	}

	fresh, err := f.store.Get(context.Background(), out.ConversationID)
	if err != nil {
		t.Fatalf("Get fresh record failed: %v", err)
	}
	if fresh.OriginalText == "live matter" {
		t.Error("the detached conversation must seed its own original text")
	}
}

func TestHandle_ClassifierErrorPropagates(t *testing.T) {
	f := newFixture(ambiguous())
	f.classifier.err = fmt.Errorf("oracle unreachable")

	if _, err := f.engine.Handle(context.Background(), message("m1", "t1"), resolver.Outcome{Decision: resolver.DecisionNew}); err == nil {
		t.Fatal("expected classifier failure to surface")
	}
	if _, err := f.store.Get(context.Background(), "t1"); err == nil {
		t.Error("no record may be persisted when classification fails")
	}
}
