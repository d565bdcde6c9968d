package similarity

import (
	"context"
	"log/slog"
	"math"
)

// Embedder produces an embedding vector for a text. An absent or empty
// vector means no similarity signal is available; it is not an error.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Matcher scores semantic closeness between a candidate message and a
// conversation's prior content.
type Matcher struct {
	embedder Embedder
	logger   *slog.Logger
}

func NewMatcher(embedder Embedder, logger *slog.Logger) *Matcher {
	return &Matcher{embedder: embedder, logger: logger}
}

// Score returns the maximum cosine similarity between the candidate text and
// the reference texts. The boolean is false when no score could be computed:
// empty inputs, failed or empty embeddings, or zero-norm vectors. Embedding
// failures degrade to "no score" rather than propagating, which bounds the
// worst case to starting a redundant new conversation.
func (m *Matcher) Score(ctx context.Context, candidate string, references []string) (float64, bool) {
	if candidate == "" || len(references) == 0 {
		return 0, false
	}

	candVec, err := m.embedder.Embed(ctx, candidate)
	if err != nil {
		m.logger.Warn("candidate embedding failed", "error", err)
		return 0, false
	}
	if len(candVec) == 0 {
		return 0, false
	}

	best := 0.0
	found := false
	for _, ref := range references {
		refVec, err := m.embedder.Embed(ctx, ref)
		if err != nil {
			m.logger.Warn("reference embedding failed", "error", err)
			continue
		}
		score, ok := cosine(candVec, refVec)
		if !ok {
			continue
		}
		if !found || score > best {
			best = score
			found = true
		}
	}
	return best, found
}

func cosine(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
