package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local runs without
// Redis. Records expire after the configured TTL, checked lazily on read.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	records   map[string][]byte
	expiries  map[string]time.Time
	processed map[string]bool

	// Now is overridable so tests can step time past the TTL.
	Now func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:       ttl,
		records:   make(map[string][]byte),
		expiries:  make(map[string]time.Time),
		processed: make(map[string]bool),
		Now:       time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, conversationID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(conversationID)
}

func (s *MemoryStore) getLocked(conversationID string) (*Record, error) {
	data, ok := s.records[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Now().After(s.expiries[conversationID]) {
		delete(s.records, conversationID)
		delete(s.expiries, conversationID)
		return nil, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastUpdated = now

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.records[rec.ConversationID] = data
	s.expiries[rec.ConversationID] = now.Add(s.ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, conversationID)
	delete(s.expiries, conversationID)
	return nil
}

func (s *MemoryStore) FindActiveByAddress(ctx context.Context, address string) (*Record, error) {
	if address == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.records {
		rec, err := s.getLocked(id)
		if err != nil {
			continue
		}
		for _, a := range rec.CounterpartyAddresses {
			if a == address {
				return rec, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[messageID] = true
	return nil
}

func (s *MemoryStore) SeenProcessed(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[messageID], nil
}
