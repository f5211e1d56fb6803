package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

func setupTestCache(t *testing.T) (*RetrievalCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRetrievalCache(client, "test:"), mr
}

func TestRetrievalCache_RoundTripKeepsLexicalRank(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	candidates := []domain.Candidate{
		{DocumentID: "qa_000001", Text: "Học phí", FusedScore: 1, VectorScore: 1, LexicalRank: 2, Source: domain.SourceMetadata{Question: "Học phí?"}},
		{DocumentID: "qa_000002", Text: "Ký túc xá", FusedScore: 0.3, LexicalRank: -1},
	}
	require.NoError(t, cache.Set(ctx, "retrieval:abc", candidates, time.Minute))
	assert.True(t, mr.Exists("test:retrieval:abc"))

	got, ok, err := cache.Get(ctx, "retrieval:abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].LexicalRank)
	assert.Equal(t, -1, got[1].LexicalRank)
	assert.Equal(t, "Học phí?", got[0].Source.Question)
}

func TestRetrievalCache_MissAndExpiry(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", []domain.Candidate{{DocumentID: "a"}}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetrievalCache_CorruptEntryIsDropped(t *testing.T) {
	cache, mr := setupTestCache(t)
	require.NoError(t, mr.Set("test:bad", "{not json"))

	_, ok, err := cache.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:bad"))
}

func TestRetrievalCache_ServerDown(t *testing.T) {
	cache, mr := setupTestCache(t)
	mr.Close()

	_, _, err := cache.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, cache.Ping(context.Background()))
}
