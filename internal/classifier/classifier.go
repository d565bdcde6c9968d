package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/arbiter/internal/openai"
)

// Classification labels produced by the dispute detector.
const (
	Dispute    = "DISPUTE"
	NonDispute = "NON_DISPUTE"
	Ambiguous  = "AMBIGUOUS"
)

// Decision is the classifier's verdict on a single message.
type Decision struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
}

// Completer is the chat completion surface of the LLM client.
type Completer interface {
	Complete(ctx context.Context, system string, messages []openai.Message) (string, error)
}

// Classifier wraps the classification oracle. The oracle is best-effort:
// malformed output is a hard error for the single call and is not retried
// here.
type Classifier struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) *Classifier {
	return &Classifier{llm: llm, logger: logger}
}

// Classify labels a message text as DISPUTE, NON_DISPUTE, or AMBIGUOUS.
func (c *Classifier) Classify(ctx context.Context, text string) (Decision, error) {
	prompt := fmt.Sprintf(detectionUserPrompt, text)

	raw, err := c.llm.Complete(ctx, detectionSystemPrompt, []openai.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("classification call: %w", err)
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		c.logger.Error("failed to parse classification response", "error", err, "raw", raw)
		return Decision{}, fmt.Errorf("parse classification: %w", err)
	}

	switch d.Classification {
	case Dispute, NonDispute, Ambiguous:
	default:
		return Decision{}, fmt.Errorf("invalid classification %q", d.Classification)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return Decision{}, fmt.Errorf("confidence %f out of range", d.Confidence)
	}
	if d.Reason == "" {
		d.Reason = "UNSPECIFIED_REASON"
	}

	c.logger.Info("message classified",
		"classification", d.Classification,
		"confidence", d.Confidence,
	)
	return d, nil
}

// ReplyContext synthesizes the evaluation input for a clarification reply.
// Single-message replies are often too terse to classify standalone, so the
// original message and the outstanding question are folded in.
func ReplyContext(originalText, pendingQuestion, replyText string) string {
	return fmt.Sprintf(
		"Original email:\n%s\n\nClarification question sent:\n%s\n\nCounterparty reply:\n%s",
		originalText, pendingQuestion, replyText,
	)
}
