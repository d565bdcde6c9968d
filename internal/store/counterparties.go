package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrCounterpartyNotFound means the sender address maps to no known counterparty.
var ErrCounterpartyNotFound = errors.New("counterparty not found")

type Counterparty struct {
	ID      uuid.UUID
	Name    string
	Address string
	Domain  string
}

// LookupCounterparty resolves a counterparty by its email address, case-insensitively.
func (s *Store) LookupCounterparty(ctx context.Context, address string) (*Counterparty, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, address, domain
		FROM counterparties
		WHERE LOWER(address) = LOWER($1)`,
		address,
	)

	var c Counterparty
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.Domain)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCounterpartyNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup counterparty: %w", err)
	}
	return &c, nil
}
