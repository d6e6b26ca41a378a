package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRequestKeyPrefix = "nostrInvoice:"

// RedisRequestStore reads zap requests written by the invoice creator
// under "<prefix><invoice id>".
type RedisRequestStore struct {
	client redis.Cmdable
	prefix string
}

var _ RequestStore = (*RedisRequestStore)(nil)

func NewRedisRequestStore(client redis.Cmdable, prefix string) *RedisRequestStore {
	if prefix == "" {
		prefix = DefaultRequestKeyPrefix
	}
	return &RedisRequestStore{client: client, prefix: prefix}
}

func (s *RedisRequestStore) Key(invoiceID string) string {
	return s.prefix + invoiceID
}

func (s *RedisRequestStore) Get(ctx context.Context, invoiceID string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.Key(invoiceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", s.Key(invoiceID), err)
	}
	return raw, nil
}
