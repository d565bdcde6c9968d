package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/arbiter/internal/openai"
)

// Invoice is one invoice reference asserted by the counterparty.
type Invoice struct {
	InvoiceNumber string   `json:"invoice_number"`
	PONumber      string   `json:"po_number,omitempty"`
	ClaimedAmount *float64 `json:"claimed_amount_value"`
	Currency      string   `json:"claimed_amount_currency,omitempty"`
}

// Claim is the structured dispute claim extracted from a message. It is
// ephemeral: produced per resolution attempt and handed to the dispute
// resolver, never persisted by the conversation core.
type Claim struct {
	Primary            Invoice   `json:"primary_invoice"`
	AdditionalInvoices []Invoice `json:"additional_invoices,omitempty"`
	IssueSummary       string    `json:"claimed_issue_summary,omitempty"`
	RequestedAction    string    `json:"requested_action,omitempty"`
	Confidence         float64   `json:"confidence"`
	MissingFields      []string  `json:"missing_fields,omitempty"`
}

type Completer interface {
	Complete(ctx context.Context, system string, messages []openai.Message) (string, error)
}

// Extractor pulls structured claim fields out of a dispute email.
type Extractor struct {
	llm    Completer
	logger *slog.Logger
}

func NewExtractor(llm Completer, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger}
}

// Extract returns the claim asserted by a message. Fields the model could
// not find are left empty and listed in MissingFields; that is a valid
// outcome, not an error.
func (e *Extractor) Extract(ctx context.Context, messageText string) (Claim, error) {
	prompt := fmt.Sprintf(extractionUserPrompt, messageText)

	raw, err := e.llm.Complete(ctx, extractionSystemPrompt, []openai.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return Claim{}, fmt.Errorf("claim extraction call: %w", err)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		e.logger.Error("failed to parse claim response", "error", err, "raw", raw)
		return Claim{}, fmt.Errorf("parse claim: %w", err)
	}

	primaryRaw, ok := payload["primary_invoice"]
	if !ok {
		return Claim{}, fmt.Errorf("claim missing primary_invoice")
	}

	c := Claim{}
	c.Primary, err = decodeInvoice(primaryRaw)
	if err != nil {
		return Claim{}, fmt.Errorf("decode primary invoice: %w", err)
	}

	if addRaw, ok := payload["additional_invoices"]; ok {
		var entries []json.RawMessage
		if err := json.Unmarshal(addRaw, &entries); err == nil {
			for _, entry := range entries {
				inv, err := decodeInvoice(entry)
				if err != nil {
					continue
				}
				c.AdditionalInvoices = append(c.AdditionalInvoices, inv)
			}
		}
	}

	c.IssueSummary = decodeString(payload["claimed_issue_summary"])
	c.RequestedAction = decodeString(payload["requested_action"])
	c.Confidence = decodeNumberValue(payload["confidence"])
	if missing, ok := payload["missing_fields"]; ok {
		_ = json.Unmarshal(missing, &c.MissingFields)
	}

	return c, nil
}

// Oracles return amounts as numbers, numeric strings, or null depending on
// the email; coerce all of them.
func decodeInvoice(raw json.RawMessage) (Invoice, error) {
	var loose struct {
		InvoiceNumber any `json:"invoice_number"`
		PONumber      any `json:"po_number"`
		ClaimedAmount any `json:"claimed_amount_value"`
		Currency      any `json:"claimed_amount_currency"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return Invoice{}, err
	}
	return Invoice{
		InvoiceNumber: coerceString(loose.InvoiceNumber),
		PONumber:      coerceString(loose.PONumber),
		ClaimedAmount: coerceNumber(loose.ClaimedAmount),
		Currency:      coerceString(loose.Currency),
	}, nil
}

func decodeString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return coerceString(v)
}

func decodeNumberValue(raw json.RawMessage) float64 {
	if raw == nil {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	if n := coerceNumber(v); n != nil {
		return *n
	}
	return 0
}

func coerceString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func coerceNumber(v any) *float64 {
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		return &n
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
