package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-meet/config"
)

// Store keeps room metadata, join codes, presence sets and display names.
type Store struct {
	client          *redis.Client
	defaultCapacity int
	ttl             time.Duration
}

const DefaultTTL = 24 * time.Hour

// Connect initializes the Redis client and checks it answers.
func Connect(ctx context.Context, cfg config.RedisConfig, defaultCapacity int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, defaultCapacity), nil
}

func NewStore(client *redis.Client, defaultCapacity int) *Store {
	return &Store{client: client, defaultCapacity: defaultCapacity, ttl: DefaultTTL}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func roomKey(id string) string     { return "room:" + id }
func codeKey(code string) string   { return "code:" + code }
func peersKey(id string) string    { return "room:" + id + ":peers" }
func userKey(userID string) string { return "user:" + userID }

const publicRoomsKey = "rooms:public"
