package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// NewClient parses a redis:// URL into a client shared by the archive,
// the event bus and the metrics feed.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Pinger reports redis reachability to the infra health check.
type Pinger struct {
	client *redis.Client
}

func NewPinger(client *redis.Client) *Pinger {
	return &Pinger{client: client}
}

func (p *Pinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
