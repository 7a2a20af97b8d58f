package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentfleet.manager/internal/core/domain"
)

const (
	archiveIndexKey = "fleet:preserved:index"
	archiveTagKey   = "fleet:preserved:tag:"
)

// Archive is a write-once key-value store for preserved agents. Records live
// under their own key, a sorted set orders them by write time and one set per
// tag value makes them discoverable.
type Archive struct {
	client *redis.Client
	now    func() time.Time
}

func NewArchive(client *redis.Client) *Archive {
	return &Archive{client: client, now: time.Now}
}

// Store writes value under key unless the key already exists.
func (a *Archive) Store(ctx context.Context, key string, value []byte, metadata map[string]string) error {
	ok, err := a.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, domain.ErrAlreadyPreserved)
	}

	pipe := a.client.TxPipeline()
	pipe.ZAdd(ctx, archiveIndexKey, redis.Z{
		Score:  float64(a.now().UnixNano()),
		Member: key,
	})
	for tag, v := range metadata {
		if v != "" {
			pipe.SAdd(ctx, tagKey(tag, v), key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index %s: %w", key, err)
	}
	return nil
}

func (a *Archive) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := a.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return data, nil
}

// List returns keys newest first.
func (a *Archive) List(ctx context.Context, offset, limit int64) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	keys, err := a.client.ZRevRange(ctx, archiveIndexKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	return keys, nil
}

func (a *Archive) FindByTag(ctx context.Context, tag, value string) ([]string, error) {
	keys, err := a.client.SMembers(ctx, tagKey(tag, value)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to search archive: %w", err)
	}
	return keys, nil
}

// Count returns the number of preserved records.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	count, err := a.client.ZCard(ctx, archiveIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count archive: %w", err)
	}
	return count, nil
}

func tagKey(tag, value string) string {
	return archiveTagKey + tag + ":" + value
}
