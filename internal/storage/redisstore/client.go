package redisstore

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewClient opens a client for a redis:// or rediss:// URL. It does not dial; an
// unreachable server surfaces on first use.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
