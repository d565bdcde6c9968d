package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix  = "arbiter:conv:"
	addressKeyPrefix = "arbiter:addr:"
	processedSetKey  = "arbiter:processed"
)

// RedisStore persists conversation records in Redis with a sliding TTL.
// Alongside each record it maintains a secondary index from normalized
// counterparty address to conversation id, so the common address lookup is a
// point read instead of a keyspace scan. The index shares the record's TTL
// and is written in the same pipeline, so its consistency window is a single
// round trip. A scan fallback covers index misses.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStore(ctx context.Context, addr, password string, ttl time.Duration, logger *slog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Get(ctx context.Context, conversationID string) (*Record, error) {
	data, err := s.rdb.Get(ctx, recordKeyPrefix+conversationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	if rec.ConversationID == "" {
		return fmt.Errorf("put conversation: empty conversation id")
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastUpdated = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", rec.ConversationID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+rec.ConversationID, data, s.ttl)
	for _, addr := range rec.CounterpartyAddresses {
		pipe.Set(ctx, addressKeyPrefix+addr, rec.ConversationID, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put conversation %s: %w", rec.ConversationID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	rec, err := s.Get(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, recordKeyPrefix+conversationID)
	for _, addr := range rec.CounterpartyAddresses {
		pipe.Del(ctx, addressKeyPrefix+addr)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *RedisStore) FindActiveByAddress(ctx context.Context, address string) (*Record, error) {
	if address == "" {
		return nil, ErrNotFound
	}

	// Index hit is the common path.
	id, err := s.rdb.Get(ctx, addressKeyPrefix+address).Result()
	if err == nil {
		rec, err := s.Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// Stale index entry: the record expired first. Fall through to the
		// scan and let the entry age out.
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("address index lookup %s: %w", address, err)
	}

	return s.scanByAddress(ctx, address)
}

// scanByAddress walks live records and returns the first whose known
// addresses contain the target. O(live conversations); the TTL keeps that
// set small.
func (s *RedisStore) scanByAddress(ctx context.Context, address string) (*Record, error) {
	iter := s.rdb.Scan(ctx, 0, recordKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("scan read %s: %w", iter.Val(), err)
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping undecodable conversation record", "key", iter.Val(), "error", err)
			continue
		}
		for _, a := range rec.CounterpartyAddresses {
			if a == address {
				return &rec, nil
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}
	return nil, ErrNotFound
}

// MarkProcessed records a message id in the cross-cycle dedup set. This set
// is distinct from the per-conversation trail dedup.
func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	if err := s.rdb.SAdd(ctx, processedSetKey, messageID).Err(); err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}

// SeenProcessed reports whether a message id was already processed in a
// previous cycle.
func (s *RedisStore) SeenProcessed(ctx context.Context, messageID string) (bool, error) {
	seen, err := s.rdb.SIsMember(ctx, processedSetKey, messageID).Result()
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", messageID, err)
	}
	return seen, nil
}
