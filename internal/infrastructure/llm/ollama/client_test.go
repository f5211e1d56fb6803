package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		BreakerEnabled:      false,
	})
}

func TestChatModelSendsMessagesAndOptions(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"llama3.1:8b","message":{"role":"assistant","content":" Xin chào "},"done":true,"prompt_eval_count":42,"eval_count":7}`))
	}))
	defer server.Close()

	model := NewChatModel(New(server.URL, "llama3.1:8b", "nomic-embed-text"))
	completion, err := model.Complete(context.Background(), []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "system"},
		{Role: domain.RoleUser, Content: "câu hỏi"},
	}, domain.GenerationConfig{Temperature: 0.7, MaxOutputTokens: 500})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if completion.Text != "Xin chào" {
		t.Fatalf("unexpected text: %q", completion.Text)
	}
	if completion.Usage.PromptTokens != 42 || completion.Usage.CompletionTokens != 7 || completion.Usage.TotalTokens != 49 {
		t.Fatalf("unexpected usage: %+v", completion.Usage)
	}
	if captured.Model != "llama3.1:8b" || captured.Stream {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if captured.Options.Temperature != 0.7 || captured.Options.NumPredict != 500 {
		t.Fatalf("unexpected options: %+v", captured.Options)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" || captured.Messages[1].Content != "câu hỏi" {
		t.Fatalf("unexpected messages: %+v", captured.Messages)
	}
}

func TestChatModelRetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ok"},"done":true}`))
	}))
	defer server.Close()

	client := NewWithOptions(server.URL, "gen", "embed", Options{Executor: testExecutor()})
	completion, err := NewChatModel(client).Complete(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}}, domain.GenerationConfig{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if completion.Text != "ok" || calls.Load() != 2 {
		t.Fatalf("expected success on second attempt, got %q after %d calls", completion.Text, calls.Load())
	}
	if completion.Model != "gen" {
		t.Fatalf("expected configured model name, got %q", completion.Model)
	}
}

func TestChatModelDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewWithOptions(server.URL, "gen", "embed", Options{Executor: testExecutor()})
	_, err := NewChatModel(client).Complete(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}}, domain.GenerationConfig{})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected body in error, got %v", err)
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single call, got %d", calls.Load())
	}
}

func TestChatModelStreamsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Fatalf("expected stream request")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"message":{"role":"assistant","content":"Xin "},"done":false}`,
			`{"message":{"role":"assistant","content":"chào"},"done":false}`,
			`{"model":"gen","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":2}`,
		}
		_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	}))
	defer server.Close()

	var chunks []string
	completion, err := NewChatModel(New(server.URL, "gen", "embed")).Stream(context.Background(),
		[]domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}},
		domain.GenerationConfig{Streaming: true},
		func(chunk string) error {
			chunks = append(chunks, chunk)
			return nil
		})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(chunks, "|") != "Xin |chào" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if completion.Text != "Xin chào" || completion.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected completion: %+v", completion)
	}
}

func TestChatModelStreamStopsOnCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"a"}}` + "\n" + `{"message":{"content":"b"}}` + "\n"))
	}))
	defer server.Close()

	errClientGone := errors.New("client gone")
	calls := 0
	client := NewWithOptions(server.URL, "gen", "embed", Options{Executor: testExecutor()})
	_, err := NewChatModel(client).Stream(context.Background(), nil, domain.GenerationConfig{}, func(string) error {
		calls++
		return errClientGone
	})
	if !errors.Is(err, errClientGone) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected stream aborted after first chunk, got %d", calls)
	}
}

func TestEmbedderEmbedQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["model"] != "nomic-embed-text" {
			t.Fatalf("unexpected model: %v", payload["model"])
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer server.Close()

	vector, err := NewEmbedder(New(server.URL, "gen", "nomic-embed-text")).EmbedQuery(context.Background(), "học phí")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vector) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(vector))
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed"))
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 502 to be temporary, got %v", err)
	}
}

func TestEmbedRejectsVectorCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.1]]}`))
	}))
	defer server.Close()

	_, err := NewEmbedder(New(server.URL, "gen", "embed")).Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestEmbedRejectsRaggedDimensions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3]]}`))
	}))
	defer server.Close()

	_, err := NewEmbedder(New(server.URL, "gen", "embed")).Embed(context.Background(), []string{"điểm chuẩn", "học phí"})
	if err == nil || !strings.Contains(err.Error(), "dimension") {
		t.Fatalf("expected dimension error, got %v", err)
	}
}

func TestPingRequiresPulledModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"nomic-embed-text:latest"}]}`))
	}))
	defer server.Close()

	if err := New(server.URL, "llama3.1:8b", "nomic-embed-text").Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	err := New(server.URL, "qwen2.5:7b", "nomic-embed-text").Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "qwen2.5:7b") {
		t.Fatalf("expected missing model error, got %v", err)
	}
}

func TestClassifyOllamaError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "canceled", err: context.Canceled, retryable: false},
		{name: "attempt timeout", err: context.DeadlineExceeded, retryable: true},
		{name: "503", err: &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}, retryable: true},
		{name: "400", err: &HTTPStatusError{StatusCode: http.StatusBadRequest}, retryable: false},
		{name: "other", err: errors.New("decode"), retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyOllamaError(tt.err).Retryable; got != tt.retryable {
				t.Fatalf("expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}
