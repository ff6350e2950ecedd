package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/redis/go-redis/v9"
)

// RevocationStore keeps revoked token ids and per-identity token generations in Redis.
// Blacklist entries expire with the token they revoke.
type RevocationStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// NewRevocationStore creates a store whose keys live under prefix
func NewRevocationStore(client *redis.Client, prefix string) *RevocationStore {
	if prefix == "" {
		prefix = "gk"
	}
	return &RevocationStore{redis: client, prefix: prefix}
}

func (s *RevocationStore) blacklistKey(jti string) string {
	return s.prefix + ":bl:" + jti
}

func (s *RevocationStore) generationKey(identityID string) string {
	return s.prefix + ":gen:" + identityID
}

// Blacklist marks a token id revoked for ttl. Tokens that already expired are skipped.
func (s *RevocationStore) Blacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" || ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, s.blacklistKey(jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// Claim blacklists a token id only if no one has done so yet. It reports
// whether this caller won the claim.
func (s *RevocationStore) Claim(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" || ttl <= 0 {
		return false, nil
	}
	claimed, err := s.redis.SetNX(ctx, s.blacklistKey(jti), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim token: %w", err)
	}
	return claimed, nil
}

// IsBlacklisted reports whether a token id has been revoked
func (s *RevocationStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.blacklistKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return n > 0, nil
}

// Generation returns the identity's current token generation. Missing keys read as 0.
func (s *RevocationStore) Generation(ctx context.Context, identityID string) (int64, error) {
	gen, err := s.redis.Get(ctx, s.generationKey(identityID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read token generation: %w", err)
	}
	return gen, nil
}

// BumpGeneration invalidates every token issued under the previous generation
func (s *RevocationStore) BumpGeneration(ctx context.Context, identityID string) (int64, error) {
	gen, err := s.redis.Incr(ctx, s.generationKey(identityID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump token generation: %w", err)
	}
	return gen, nil
}

// Ping checks connectivity for health reporting
func (s *RevocationStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
