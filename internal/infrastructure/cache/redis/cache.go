package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const defaultKeyPrefix = "admissions:"

// RetrievalCache stores fused candidate lists as JSON values.
type RetrievalCache struct {
	client    *goredis.Client
	keyPrefix string
}

type cachedCandidate struct {
	domain.Candidate
	LexicalRank int `json:"lexical_rank"`
}

// Open parses a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRetrievalCache(client *goredis.Client, keyPrefix string) *RetrievalCache {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RetrievalCache{client: client, keyPrefix: keyPrefix}
}

func (c *RetrievalCache) Get(ctx context.Context, key string) ([]domain.Candidate, bool, error) {
	cacheKey := c.keyPrefix + key
	data, err := c.client.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	candidates, err := decodeCandidates(data)
	if err != nil {
		slog.Warn("retrieval_cache_corrupt", "key", cacheKey, "error", err)
		_ = c.client.Del(ctx, cacheKey).Err()
		return nil, false, nil
	}
	return candidates, true, nil
}

func (c *RetrievalCache) Set(ctx context.Context, key string, candidates []domain.Candidate, ttl time.Duration) error {
	data, err := encodeCandidates(candidates)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RetrievalCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func encodeCandidates(candidates []domain.Candidate) ([]byte, error) {
	entries := make([]cachedCandidate, len(candidates))
	for i, cand := range candidates {
		entries[i] = cachedCandidate{Candidate: cand, LexicalRank: cand.LexicalRank}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}
	return data, nil
}

func decodeCandidates(data []byte) ([]domain.Candidate, error) {
	var entries []cachedCandidate
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal candidates: %w", err)
	}
	out := make([]domain.Candidate, len(entries))
	for i, entry := range entries {
		out[i] = entry.Candidate
		out[i].LexicalRank = entry.LexicalRank
	}
	return out, nil
}
