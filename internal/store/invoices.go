package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInvoiceNotFound means no authoritative invoice exists for the
// counterparty and invoice number pair.
var ErrInvoiceNotFound = errors.New("invoice not found")

type Invoice struct {
	ID             uuid.UUID
	CounterpartyID uuid.UUID
	InvoiceNumber  string
	Amount         float64
	Currency       string
}

// GetInvoice fetches the authoritative invoice record for a counterparty.
func (s *Store) GetInvoice(ctx context.Context, counterpartyID uuid.UUID, invoiceNumber string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, counterparty_id, invoice_number, amount, currency
		FROM invoices
		WHERE counterparty_id = $1 AND invoice_number = $2`,
		counterpartyID, invoiceNumber,
	)

	var inv Invoice
	err := row.Scan(&inv.ID, &inv.CounterpartyID, &inv.InvoiceNumber, &inv.Amount, &inv.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrInvoiceNotFound, invoiceNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return &inv, nil
}
