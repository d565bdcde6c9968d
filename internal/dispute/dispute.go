package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/arbiter/internal/claim"
	"github.com/MikeSquared-Agency/arbiter/internal/store"
	"github.com/google/uuid"
)

// Resolution reason codes. Only COUNTERPARTY_NOT_FOUND surfaces as an error;
// the rest are legitimate outcomes.
const (
	ReasonCounterpartyNotFound  = "COUNTERPARTY_NOT_FOUND"
	ReasonMissingInvoiceNumber  = "MISSING_INVOICE_NUMBER"
	ReasonInvoiceNotFound       = "INVOICE_NOT_FOUND"
	ReasonClaimAmountMissing    = "CLAIM_AMOUNT_MISSING"
	ReasonAmountMismatchValid   = "AMOUNT_MISMATCH_VALID"
	ReasonAmountMismatchInvalid = "AMOUNT_MISMATCH_INVALID"
)

// Resolution is the outcome of checking a claim against authoritative records.
type Resolution struct {
	Valid               bool
	Reason              string
	CounterpartyID      string
	InvoiceNumber       string
	ClaimedAmount       *float64
	AuthoritativeAmount *float64
	Risk                *store.RiskProfile
}

// Records is the relational surface the resolver depends on.
type Records interface {
	LookupCounterparty(ctx context.Context, address string) (*store.Counterparty, error)
	GetInvoice(ctx context.Context, counterpartyID uuid.UUID, invoiceNumber string) (*store.Invoice, error)
	WriteDisputeCase(ctx context.Context, c *store.DisputeCase) (*store.RiskProfile, error)
}

// Resolver validates confirmed dispute claims against invoice records and
// maintains the counterparty risk aggregate. It is rule-based throughout; no
// oracle is consulted here.
type Resolver struct {
	records Records
	logger  *slog.Logger
}

func New(records Records, logger *slog.Logger) *Resolver {
	return &Resolver{records: records, logger: logger}
}

// Resolve runs the deterministic check. A counterparty that cannot be
// resolved is a data-integrity error; every other disagreement is a valid
// outcome carried in the Resolution's reason code.
func (r *Resolver) Resolve(ctx context.Context, senderAddress string, cl claim.Claim, confidence float64) (*Resolution, error) {
	cp, err := r.records.LookupCounterparty(ctx, senderAddress)
	if err != nil {
		if errors.Is(err, store.ErrCounterpartyNotFound) {
			return nil, fmt.Errorf("%s: %w", ReasonCounterpartyNotFound, err)
		}
		return nil, err
	}

	claimed := cl.Primary.ClaimedAmount

	if cl.Primary.InvoiceNumber == "" {
		// No invoice to compare against: report the outcome without
		// recording a case.
		return &Resolution{
			Valid:          false,
			Reason:         ReasonMissingInvoiceNumber,
			CounterpartyID: cp.ID.String(),
			ClaimedAmount:  claimed,
		}, nil
	}

	var (
		valid      bool
		reason     string
		matched    *store.Invoice
		authAmount *float64
	)

	inv, err := r.records.GetInvoice(ctx, cp.ID, cl.Primary.InvoiceNumber)
	switch {
	case errors.Is(err, store.ErrInvoiceNotFound):
		reason = ReasonInvoiceNotFound
	case err != nil:
		return nil, err
	case claimed == nil:
		matched = inv
		authAmount = &inv.Amount
		reason = ReasonClaimAmountMissing
	default:
		matched = inv
		authAmount = &inv.Amount
		valid, reason = compareAmounts(*claimed, inv.Amount)
	}

	caseRow := &store.DisputeCase{
		CounterpartyID:      cp.ID,
		InvoiceNumber:       cl.Primary.InvoiceNumber,
		ClaimedAmount:       claimed,
		AuthoritativeAmount: authAmount,
		DisputeValid:        valid,
		Confidence:          confidence,
		ResolutionReason:    reason,
	}
	if matched != nil {
		caseRow.InvoiceID = &matched.ID
	}

	risk, err := r.records.WriteDisputeCase(ctx, caseRow)
	if err != nil {
		return nil, fmt.Errorf("record dispute case: %w", err)
	}

	r.logger.Info("dispute resolved",
		"counterparty_id", cp.ID,
		"invoice_number", cl.Primary.InvoiceNumber,
		"valid", valid,
		"reason", reason,
		"risk_score", risk.RiskScore,
	)

	return &Resolution{
		Valid:               valid,
		Reason:              reason,
		CounterpartyID:      cp.ID.String(),
		InvoiceNumber:       cl.Primary.InvoiceNumber,
		ClaimedAmount:       claimed,
		AuthoritativeAmount: authAmount,
		Risk:                risk,
	}, nil
}
