package drafter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/arbiter/internal/openai"
)

// Draft is a generated clarification: the question itself and the full email
// body carrying it.
type Draft struct {
	Question string `json:"clarification_question"`
	Body     string `json:"body_text"`
}

// Request is the context handed to the drafting oracle.
type Request struct {
	MessageText     string
	AmbiguityReason string
	Confidence      float64
	OriginalText    string
	TrailSummaries  []string
	SenderDisplay   string
}

type Completer interface {
	Complete(ctx context.Context, system string, messages []openai.Message) (string, error)
}

// Drafter wraps the clarification drafting oracle. A draft whose body asks
// more than one question is malformed and rejected.
type Drafter struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) *Drafter {
	return &Drafter{llm: llm, logger: logger}
}

// Draft produces a single-question clarification email.
func (d *Drafter) Draft(ctx context.Context, req Request) (Draft, error) {
	trail := "none"
	if len(req.TrailSummaries) > 0 {
		trail = strings.Join(req.TrailSummaries, "\n")
	}
	prompt := fmt.Sprintf(draftUserPrompt, req.MessageText, req.AmbiguityReason, req.Confidence, req.OriginalText, trail)

	raw, err := d.llm.Complete(ctx, draftSystemPrompt, []openai.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return Draft{}, fmt.Errorf("draft call: %w", err)
	}

	var out Draft
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		d.logger.Error("failed to parse draft response", "error", err, "raw", raw)
		return Draft{}, fmt.Errorf("parse draft: %w", err)
	}

	out.Question = strings.TrimSpace(out.Question)
	out.Body = strings.TrimSpace(out.Body)
	if out.Question == "" {
		return Draft{}, fmt.Errorf("draft missing clarification question")
	}
	if out.Body == "" {
		return Draft{}, fmt.Errorf("draft missing body text")
	}
	if strings.Count(out.Body, "?") > 1 {
		return Draft{}, fmt.Errorf("draft body asks more than one question")
	}

	// Keep the body and question consistent; rebuild the body when the
	// oracle paraphrased the question away.
	if !strings.Contains(out.Body, out.Question) {
		out.Body = FallbackBody(out.Question, req.SenderDisplay)
	}

	return out, nil
}

// FallbackBody wraps a bare question in a minimal email body.
func FallbackBody(question, senderDisplay string) string {
	return fmt.Sprintf("Hello,\n\n%s\n\nThank you,\n%s", question, senderDisplay)
}
