package conversation

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no live record exists for a lookup.
var ErrNotFound = errors.New("conversation not found")

// Store is the durable, expiring conversation state store. It is the single
// source of truth: callers re-read immediately before any write decision
// that depends on current state.
type Store interface {
	// Get returns the record for a conversation id, or ErrNotFound.
	Get(ctx context.Context, conversationID string) (*Record, error)
	// Put upserts a record, setting created_at only when absent and always
	// refreshing last_updated and the TTL.
	Put(ctx context.Context, rec *Record) error
	// Delete removes a record and its address index entries.
	Delete(ctx context.Context, conversationID string) error
	// FindActiveByAddress returns the first live record whose counterparty
	// addresses contain the normalized address, or ErrNotFound. Ordering
	// among multiple matches is not defined.
	FindActiveByAddress(ctx context.Context, address string) (*Record, error)
}
