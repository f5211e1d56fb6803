package ollama

import (
	"context"
	"fmt"
)

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embedder turns passages and queries into dense vectors with the configured
// embedding model via /api/embed.
type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

// Embed returns one vector per input, in input order. All vectors share one
// non-zero dimension or an error is returned.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := embedRequest{Model: e.client.embedModel, Input: texts, KeepAlive: e.client.keepAlive}

	var resp embedResponse
	err := e.client.call(ctx, "embed", func(attemptCtx context.Context) error {
		resp = embedResponse{}
		return e.client.postJSON(attemptCtx, "/api/embed", req, &resp, "embed")
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	dim := len(resp.Embeddings[0])
	for i, v := range resp.Embeddings {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("ollama embed: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}
	return resp.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
