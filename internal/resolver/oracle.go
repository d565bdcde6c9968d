package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/arbiter/internal/openai"
)

// Completer is the completion surface consumed by the oracle.
type Completer interface {
	Complete(ctx context.Context, system string, messages []openai.Message) (string, error)
}

// ContextOracle asks the model whether a message belongs to the candidate
// conversation.
type ContextOracle struct {
	completer Completer
}

func NewContextOracle(completer Completer) *ContextOracle {
	return &ContextOracle{completer: completer}
}

func (o *ContextOracle) Decide(ctx context.Context, p Payload) (Verdict, error) {
	input, err := json.Marshal(p)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal oracle payload: %w", err)
	}

	raw, err := o.completer.Complete(ctx, contextSystemPrompt, []openai.Message{
		{Role: "user", Content: string(input)},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("context oracle completion: %w", err)
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("parse oracle verdict: %w", err)
	}
	verdict.Decision = strings.ToUpper(strings.TrimSpace(verdict.Decision))
	return verdict, nil
}
