package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "lexical"
)

// pointNamespace derives stable point ids from document ids so re-seeding overwrites.
var pointNamespace = uuid.MustParse("6f1c1b55-53a4-4c55-9d4c-0f0f5d9a6a11")

type Options struct {
	HTTPTimeout time.Duration
	Executor    *resilience.Executor
}

// Client serves lexical (sparse BM25) and vector (dense cosine) queries from
// one Qdrant collection.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

type statusError struct {
	operation  string
	statusCode int
	status     string
	body       string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("qdrant %s status: %s", e.operation, e.status)
	}
	return fmt.Sprintf("qdrant %s status: %s: %s", e.operation, e.status, e.body)
}

func New(baseURL, collection string) *Client {
	return NewWithOptions(baseURL, collection, Options{})
}

func NewWithOptions(baseURL, collection string, opts Options) *Client {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: opts.HTTPTimeout},
		executor:   opts.Executor,
	}
}

type searchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

func (c *Client) LexicalQuery(ctx context.Context, text string, limit int) ([]domain.SearchHit, error) {
	sparse := encodeSparseQuery(text)
	if len(sparse.Indices) == 0 {
		return nil, nil
	}
	return c.search(ctx, "lexical search", map[string]any{
		"vector": map[string]any{
			"name":   sparseVectorName,
			"vector": sparse,
		},
		"limit":        limit,
		"with_payload": true,
	})
}

func (c *Client) VectorQuery(ctx context.Context, vector []float32, limit int) ([]domain.SearchHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("qdrant vector search: empty query vector")
	}
	return c.search(ctx, "vector search", map[string]any{
		"vector": map[string]any{
			"name":   denseVectorName,
			"vector": vector,
		},
		"limit":        limit,
		"with_payload": true,
	})
}

func (c *Client) search(ctx context.Context, operation string, reqBody map[string]any) ([]domain.SearchHit, error) {
	var resp searchResponse
	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	err := c.call(ctx, operation, func(callCtx context.Context) error {
		resp = searchResponse{}
		return c.doJSON(callCtx, http.MethodPost, url, reqBody, &resp, operation)
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.SearchHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		docID := getStringPayload(r.Payload, "document_id")
		if docID == "" && r.ID != nil {
			docID = fmt.Sprintf("%v", r.ID)
		}
		out = append(out, domain.SearchHit{
			DocumentID: docID,
			Text:       getStringPayload(r.Payload, "context"),
			Score:      r.Score,
			Source: domain.SourceMetadata{
				Question:         getStringPayload(r.Payload, "question"),
				Answer:           getStringPayload(r.Payload, "answer"),
				ExtractiveAnswer: getStringPayload(r.Payload, "extractive_answer"),
				Article:          getStringPayload(r.Payload, "article"),
				Document:         getStringPayload(r.Payload, "document"),
			},
		})
	}
	return out, nil
}

// Upsert writes documents with their dense vectors and sparse term weights.
func (c *Client) Upsert(ctx context.Context, docs []domain.IndexDocument, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return fmt.Errorf("documents/vectors mismatch: %d vs %d", len(docs), len(vectors))
	}
	if err := c.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  map[string]any `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	points := make([]point, 0, len(docs))
	for i, doc := range docs {
		points = append(points, point{
			ID: uuid.NewSHA1(pointNamespace, []byte(doc.ID)).String(),
			Vector: map[string]any{
				denseVectorName:  vectors[i],
				sparseVectorName: encodeSparseDocument(doc.Text, doc.Source.Question),
			},
			Payload: map[string]any{
				"document_id":       doc.ID,
				"context":           doc.Text,
				"question":          doc.Source.Question,
				"answer":            doc.Source.Answer,
				"extractive_answer": doc.Source.ExtractiveAnswer,
				"article":           doc.Source.Article,
				"document":          doc.Source.Document,
			},
		})
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, c.collection)
	return c.call(ctx, "upsert", func(callCtx context.Context) error {
		return c.doJSON(callCtx, http.MethodPut, url, map[string]any{"points": points}, nil, "upsert")
	})
}

// Ping checks the collection exists and is reachable.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	return c.doJSON(ctx, http.MethodGet, url, nil, nil, "collection info")
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			denseVectorName: map[string]any{
				"size":     vectorSize,
				"distance": "Cosine",
			},
		},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{"modifier": "idf"},
		},
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	err := c.doJSON(ctx, http.MethodPut, url, reqBody, nil, "ensure collection")
	var statusErr *statusError
	// 409 when the collection already exists.
	if errors.As(err, &statusErr) && statusErr.statusCode == http.StatusConflict {
		err = nil
	}
	if err != nil {
		return err
	}

	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any, out any, operation string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{
			operation:  operation,
			statusCode: resp.StatusCode,
			status:     resp.Status,
			body:       strings.TrimSpace(string(raw)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	var err error
	if c.executor == nil {
		err = fn(ctx)
	} else {
		err = c.executor.Execute(ctx, "qdrant."+strings.ReplaceAll(operation, " ", "_"), fn, resilience.TemporaryClassifier(isTemporary))
	}
	if err != nil && (isTemporary(err) || resilience.IsCircuitOpen(err)) {
		return domain.WrapError(domain.ErrTemporary, "qdrant "+operation, err)
	}
	return err
}

func isTemporary(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
