package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

// DefaultSize keeps roughly 3MB of 768-dim query vectors.
const DefaultSize = 1000

// Embedder memoizes query embeddings in an LRU keyed by model and query text.
type Embedder struct {
	inner ports.Embedder
	model string
	cache *lru.Cache[string, []float32]
}

func New(inner ports.Embedder, model string, size int) *Embedder {
	if size <= 0 {
		size = DefaultSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &Embedder{
		inner: inner,
		model: model,
		cache: cache,
	}
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := e.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, vec)
	return vec, nil
}

func (e *Embedder) Len() int {
	return e.cache.Len()
}

func (e *Embedder) key(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(e.model + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}
