package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/pbxbilling/callrater/internal/storage"
)

const redisSequencePrefix = "callrater:invoice:seq:"

// Counter hands out monotonic values per name, starting at 1.
type Counter interface {
	Next(ctx context.Context, name string) (int64, error)
}

// StoreCounter keeps counters in the storage backend.
type StoreCounter struct {
	sequences storage.SequenceStore
}

func NewStoreCounter(sequences storage.SequenceStore) *StoreCounter {
	return &StoreCounter{sequences: sequences}
}

func (counter *StoreCounter) Next(ctx context.Context, name string) (int64, error) {
	value, err := counter.sequences.NextSequence(ctx, "invoice:"+name)
	if err != nil {
		return 0, errors.Wrap(err, "next invoice sequence")
	}
	return value, nil
}

// Incrementer is the part of a redis client used by RedisCounter.
type Incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCounter shares counters between instances through redis INCR.
type RedisCounter struct {
	client Incrementer
}

func NewRedisCounter(client Incrementer) *RedisCounter {
	return &RedisCounter{client: client}
}

func (counter *RedisCounter) Next(ctx context.Context, name string) (int64, error) {
	value, err := counter.client.Incr(ctx, redisSequencePrefix+name).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis incr invoice sequence")
	}
	return value, nil
}

// Numberer formats invoice numbers as PREFIX-YYYYMM-NNNN, counting per
// month of issue.
type Numberer struct {
	prefix   string
	counter  Counter
	location *time.Location
}

func NewNumberer(prefix string, counter Counter, location *time.Location) *Numberer {
	if prefix == "" {
		prefix = "INV"
	}
	if location == nil {
		location = time.UTC
	}
	return &Numberer{prefix: prefix, counter: counter, location: location}
}

// Next returns a fresh number for an invoice issued at issuedAt.
func (numberer *Numberer) Next(ctx context.Context, issuedAt time.Time) (string, error) {
	month := issuedAt.In(numberer.location).Format("200601")
	sequence, err := numberer.counter.Next(ctx, month)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%04d", numberer.prefix, month, sequence), nil
}
