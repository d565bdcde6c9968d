package processor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/arbiter/internal/bus"
	"github.com/MikeSquared-Agency/arbiter/internal/conversation"
	"github.com/MikeSquared-Agency/arbiter/internal/engine"
	"github.com/MikeSquared-Agency/arbiter/internal/mail"
	"github.com/MikeSquared-Agency/arbiter/internal/resolver"
)

// Dedup is the cross-cycle processed-message set. It is distinct from the
// in-conversation trail: the trail dedups within a conversation, this set
// dedups across polling cycles.
type Dedup interface {
	MarkProcessed(ctx context.Context, messageID string) error
	SeenProcessed(ctx context.Context, messageID string) (bool, error)
}

// ContextResolver joins an inbound message onto its conversation.
type ContextResolver interface {
	Resolve(ctx context.Context, msg mail.Message) (resolver.Outcome, error)
}

// Handler drives the conversation state machine for one message.
type Handler interface {
	Handle(ctx context.Context, msg mail.Message, res resolver.Outcome) (engine.Outcome, error)
}

// Publisher emits pipeline events. Nil disables publication.
type Publisher interface {
	Publish(subject string, data any) error
}

// Processor orchestrates the triage pipeline: fetch a batch, fan the
// messages out concurrently, and collect per-message outcomes independently
// so one failure never blocks a sibling.
type Processor struct {
	inbox         mail.Inbox
	dedup         Dedup
	resolver      ContextResolver
	engine        Handler
	bus           Publisher
	systemAddress string
	fetchLimit    int
	logger        *slog.Logger
}

func New(inbox mail.Inbox, dedup Dedup, res ContextResolver, eng Handler, pub Publisher, systemAddress string, fetchLimit int, logger *slog.Logger) *Processor {
	return &Processor{
		inbox:         inbox,
		dedup:         dedup,
		resolver:      res,
		engine:        eng,
		bus:           pub,
		systemAddress: systemAddress,
		fetchLimit:    fetchLimit,
		logger:        logger,
	}
}

// Run polls the inbox until the context is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil {
			p.logger.Error("polling cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle processes one batch. Messages belonging to the same conversation
// run sequentially in fetch order; distinct conversations fan out. It returns
// the number of messages that completed their pipeline; a fetch failure is
// the only cycle-level error.
func (p *Processor) RunCycle(ctx context.Context) (int, error) {
	msgs, err := p.inbox.Fetch(ctx, p.fetchLimit)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fetchLimit)

	done := make([]bool, len(msgs))
	for _, batch := range p.groupByConversation(msgs) {
		batch := batch
		g.Go(func() error {
			for _, j := range batch {
				done[j.idx] = p.processOne(gctx, j.msg)
			}
			return nil
		})
	}
	_ = g.Wait()

	processed := 0
	for _, ok := range done {
		if ok {
			processed++
		}
	}
	p.logger.Info("cycle complete", "fetched", len(msgs), "processed", processed)
	return processed, nil
}

type job struct {
	idx int
	msg mail.Message
}

// groupByConversation buckets a batch so that two messages that could join
// the same conversation never race each other's read-modify-write on the
// record. The key is the thread hint when present, else the normalized
// sender address (the resolver's fallback join key), else the message id.
func (p *Processor) groupByConversation(msgs []mail.Message) [][]job {
	index := make(map[string]int, len(msgs))
	var groups [][]job
	for i, msg := range msgs {
		key := msg.ThreadID
		if key == "" {
			key, _ = mail.NormalizeAddress(msg.From)
		}
		if key == "" {
			key = msg.ID
		}
		at, ok := index[key]
		if !ok {
			at = len(groups)
			index[key] = at
			groups = append(groups, nil)
		}
		groups[at] = append(groups[at], job{idx: i, msg: msg})
	}
	return groups
}

// processOne runs the full pipeline for a single message. A failure at any
// step leaves the message unmarked so a later cycle retries it from the last
// durable checkpoint.
func (p *Processor) processOne(ctx context.Context, msg mail.Message) bool {
	if p.isOwnMessage(msg) {
		return false
	}

	seen, err := p.dedup.SeenProcessed(ctx, msg.ID)
	if err != nil {
		p.logger.Error("dedup check failed", "message_id", msg.ID, "error", err)
		return false
	}
	if seen {
		return false
	}

	res, err := p.resolver.Resolve(ctx, msg)
	if err != nil {
		p.logger.Error("context resolution failed", "message_id", msg.ID, "error", err)
		return false
	}

	out, err := p.engine.Handle(ctx, msg, res)
	if err != nil {
		p.logger.Error("message processing failed",
			"message_id", msg.ID,
			"conversation_id", out.ConversationID,
			"error", err,
		)
		return false
	}

	if err := p.dedup.MarkProcessed(ctx, msg.ID); err != nil {
		p.logger.Error("failed to mark message processed", "message_id", msg.ID, "error", err)
		return false
	}

	// Labels and events only after the dedup mark: they are best effort and
	// must never cause a reprocessing.
	p.label(ctx, msg, out)
	p.publish(msg, out)

	p.logger.Info("message processed",
		"message_id", msg.ID,
		"conversation_id", out.ConversationID,
		"action", out.Action,
		"classification", out.Classification,
	)
	return true
}

// isOwnMessage suppresses messages sent by the triage system itself, so its
// clarifications are never fed back into the pipeline.
func (p *Processor) isOwnMessage(msg mail.Message) bool {
	addr, _ := mail.NormalizeAddress(msg.From)
	return p.systemAddress != "" && strings.EqualFold(addr, p.systemAddress)
}

func (p *Processor) label(ctx context.Context, msg mail.Message, out engine.Outcome) {
	labels := []string{mail.LabelProcessed}
	switch out.Action {
	case engine.ActionResolvedDispute:
		labels = append(labels, mail.LabelDispute)
	case engine.ActionResolvedNonDispute, engine.ActionIgnored:
		labels = append(labels, mail.LabelNonDispute)
	}
	if err := p.inbox.AddLabels(ctx, msg.ID, labels...); err != nil {
		p.logger.Warn("failed to label message", "message_id", msg.ID, "error", err)
	}
}

func (p *Processor) publish(msg mail.Message, out engine.Outcome) {
	if p.bus == nil {
		return
	}

	switch out.Action {
	case engine.ActionAwaiting:
		subject := bus.SubjectConversationAwaiting
		if out.ClarificationSent {
			subject = bus.SubjectClarificationSent
		}
		p.emit(subject, bus.ConversationEvent{
			ConversationID: out.ConversationID,
			MessageID:      msg.ID,
			State:          string(conversation.StateAwaitingClarification),
			Classification: out.Classification,
			Confidence:     out.Confidence,
		})

	case engine.ActionResolvedDispute:
		evt := bus.DisputeResolvedEvent{
			ConversationID: out.ConversationID,
		}
		if out.Resolution != nil {
			evt.CounterpartyID = out.Resolution.CounterpartyID
			evt.InvoiceNumber = out.Resolution.InvoiceNumber
			evt.DisputeValid = out.Resolution.Valid
			evt.Reason = out.Resolution.Reason
			if out.Resolution.Risk != nil {
				evt.RiskScore = out.Resolution.Risk.RiskScore
			}
		}
		p.emit(bus.SubjectDisputeResolved, evt)
	}
}

func (p *Processor) emit(subject string, evt any) {
	if err := p.bus.Publish(subject, evt); err != nil {
		p.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}
