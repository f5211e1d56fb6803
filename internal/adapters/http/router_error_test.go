package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type chatFake struct {
	mu sync.Mutex

	result *domain.QueryResult
	err    error
	chunks []string

	history   []domain.ConversationTurn
	summaries []domain.ConversationSummary
	feedback  *domain.Feedback

	gotQuery    domain.Query
	gotUserID   string
	gotLimit    int
	gotFeedback domain.Feedback
}

func (f *chatFake) HandleQuery(_ context.Context, q domain.Query) (*domain.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotQuery = q
	return f.result, f.err
}

func (f *chatFake) HandleQueryStream(_ context.Context, q domain.Query, onChunk func(string) error) (*domain.QueryResult, error) {
	f.mu.Lock()
	f.gotQuery = q
	chunks := f.chunks
	f.mu.Unlock()
	for _, c := range chunks {
		if err := onChunk(c); err != nil {
			return nil, err
		}
	}
	return f.result, f.err
}

func (f *chatFake) GetHistory(context.Context, string) ([]domain.ConversationTurn, error) {
	return f.history, f.err
}

func (f *chatFake) ListConversations(_ context.Context, userID string, limit int) ([]domain.ConversationSummary, error) {
	f.gotUserID = userID
	f.gotLimit = limit
	return f.summaries, f.err
}

func (f *chatFake) SubmitFeedback(_ context.Context, fb domain.Feedback) (*domain.Feedback, error) {
	f.gotFeedback = fb
	return f.feedback, f.err
}

type healthFake struct {
	report domain.HealthReport
}

func (f healthFake) Health(context.Context) domain.HealthReport { return f.report }

func newTestHandler(cfg config.Config) http.Handler {
	return newTestHandlerWith(cfg, &chatFake{result: sampleResult()})
}

func newTestHandlerWith(cfg config.Config, chat *chatFake) http.Handler {
	return NewRouter(cfg, chat, healthFake{report: domain.HealthReport{
		Status:    "healthy",
		Services:  map[string]domain.ServiceHealth{"search": {Status: "healthy"}},
		Timestamp: time.Now().UTC(),
	}}, nil).Handler()
}

func sampleResult() *domain.QueryResult {
	return &domain.QueryResult{
		Query:              "Học phí ngành CNTT?",
		Answer:             "Học phí là 30 triệu/năm.",
		ConversationID:     "conv_0123456789ab",
		AssistantMessageID: "msg_0123456789ab",
		UserMessageID:      "msg_0123456789ab_user",
		Metadata: domain.ResultMetadata{
			StageLatencyMs: map[string]float64{"retrieval": 12},
			States:         []domain.PipelineState{domain.StateComplete},
		},
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid input", err: domain.WrapError(domain.ErrInvalidInput, "q", errors.New("empty")), want: http.StatusBadRequest},
		{name: "not found", err: domain.WrapError(domain.ErrConversationNotFound, "h", errors.New("x")), want: http.StatusNotFound},
		{name: "retrieval unavailable", err: domain.WrapError(domain.ErrRetrievalUnavailable, "r", errors.New("x")), want: http.StatusServiceUnavailable},
		{name: "history unavailable", err: domain.WrapError(domain.ErrHistoryUnavailable, "h", errors.New("x")), want: http.StatusServiceUnavailable},
		{name: "temporary", err: domain.WrapError(domain.ErrTemporary, "x", errors.New("x")), want: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErrorToHTTPStatus(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestQueryMapsInvalidInputTo400(t *testing.T) {
	chat := &chatFake{err: domain.WrapError(domain.ErrInvalidInput, "handle query", errors.New("query is empty"))}
	res := postJSON(t, newTestHandlerWith(config.Config{}, chat), "/v1/chat/query", map[string]any{"query": "  "})

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "query is empty") {
		t.Fatalf("expected validation message in body, got %s", res.Body.String())
	}
}

func TestQueryHidesInternalErrorDetails(t *testing.T) {
	chat := &chatFake{err: domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", errors.New("dial tcp 10.0.0.7:6333: connection refused"))}
	res := postJSON(t, newTestHandlerWith(config.Config{}, chat), "/v1/chat/query", map[string]any{"query": "học phí"})

	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "10.0.0.7") {
		t.Fatalf("expected internal detail to be hidden, got %s", res.Body.String())
	}
}

func TestHistoryReturns404ForUnknownConversation(t *testing.T) {
	chat := &chatFake{err: domain.WrapError(domain.ErrConversationNotFound, "get history", errors.New("conversation_id=conv_missing"))}
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/history/conv_missing", nil)
	res := httptest.NewRecorder()
	newTestHandlerWith(config.Config{}, chat).ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestQueryRejectsMalformedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/query", strings.NewReader("{"))
	res := httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}
