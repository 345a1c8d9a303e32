package qastatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ComputeActiveDataset folds an ordered status log into the active dataset of
// one triple. An Accepted entry makes its dataset active; any other entry for
// the active dataset clears it. The result is nil when no dataset is active.
func ComputeActiveDataset(history []StatusChange) *string {
	var active *string
	for _, change := range history {
		switch {
		case change.Status == StatusAccepted:
			id := change.DataID
			active = &id
		case active != nil && *active == change.DataID:
			active = nil
		}
	}
	return active
}

const noActiveMarker = "-"

// ActiveCache keeps computed active datasets in Redis keyed by triple. Each
// triple carries a generation counter; Bust advances it so a value computed
// before a status change can never be read after it.
type ActiveCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewActiveCache constructs the cache. A nil client disables it.
func NewActiveCache(client *redis.Client, ttl time.Duration) *ActiveCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ActiveCache{client: client, ttl: ttl}
}

func generationKey(t Triple) string {
	return fmt.Sprintf("qa:active:%s:gen", t.Key())
}

func activeKey(t Triple, gen int64) string {
	return fmt.Sprintf("qa:active:%s:%d", t.Key(), gen)
}

// Get returns the cached value, whether it was present and the generation a
// subsequent Set must use.
func (c *ActiveCache) Get(ctx context.Context, t Triple) (*string, bool, int64, error) {
	if c == nil {
		return nil, false, 0, nil
	}
	gen, err := c.client.Get(ctx, generationKey(t)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, 0, err
	}
	val, err := c.client.Get(ctx, activeKey(t, gen)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, gen, nil
	}
	if err != nil {
		return nil, false, gen, err
	}
	if val == noActiveMarker {
		return nil, true, gen, nil
	}
	return &val, true, gen, nil
}

// Set stores a value computed under generation gen.
func (c *ActiveCache) Set(ctx context.Context, t Triple, gen int64, active *string) error {
	if c == nil {
		return nil
	}
	val := noActiveMarker
	if active != nil {
		val = *active
	}
	return c.client.Set(ctx, activeKey(t, gen), val, c.ttl).Err()
}

// Bust invalidates the cached value of every given triple.
func (c *ActiveCache) Bust(ctx context.Context, triples ...Triple) error {
	if c == nil || len(triples) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, t := range triples {
		pipe.Incr(ctx, generationKey(t))
	}
	_, err := pipe.Exec(ctx)
	return err
}
