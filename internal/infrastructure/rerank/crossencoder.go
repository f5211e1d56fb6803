package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

type Options struct {
	Model       string
	HTTPTimeout time.Duration
	Executor    *resilience.Executor
}

// CrossEncoder scores (query, document) pairs with a remote cross-encoder
// served behind POST /rerank.
type CrossEncoder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func NewCrossEncoder(baseURL string, opts Options) *CrossEncoder {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	return &CrossEncoder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      opts.Model,
		httpClient: &http.Client{Timeout: opts.HTTPTimeout},
		executor:   opts.Executor,
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
	TopK      int      `json:"top_k"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

type statusError struct {
	statusCode int
	status     string
	body       string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("rerank status: %s", e.status)
	}
	return fmt.Sprintf("rerank status: %s: %s", e.status, e.body)
}

// Score returns one score per document, index-aligned with documents.
func (c *CrossEncoder) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	payload := rerankRequest{
		Query:     query,
		Documents: documents,
		Model:     c.model,
		TopK:      len(documents),
	}

	resp, err := resilience.Call(ctx, c.executor, "rerank.score", func(callCtx context.Context) (rerankResponse, error) {
		var out rerankResponse
		err := c.do(callCtx, http.MethodPost, "/rerank", payload, &out)
		return out, err
	}, resilience.TemporaryClassifier(isTemporary))
	if err != nil {
		if isTemporary(err) || resilience.IsCircuitOpen(err) {
			return nil, domain.WrapError(domain.ErrTemporary, "rerank score", err)
		}
		return nil, err
	}

	scores := make([]float64, len(documents))
	seen := make([]bool, len(documents))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank result index %d out of range", r.Index)
		}
		if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
			return nil, fmt.Errorf("rerank result %d has non-finite score", r.Index)
		}
		scores[r.Index] = r.Score
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank result missing document %d", i)
		}
	}
	return scores, nil
}

func (c *CrossEncoder) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *CrossEncoder) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal rerank request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create rerank request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{statusCode: resp.StatusCode, status: resp.Status, body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rerank response: %w", err)
	}
	return nil
}

func isTemporary(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusRequestTimeout ||
			statusErr.statusCode == http.StatusTooManyRequests ||
			statusErr.statusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
