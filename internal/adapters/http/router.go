package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
	"github.com/kirillkom/admissions-assistant/internal/observability/metrics"
)

const (
	maxRequestBodyBytes = 64 << 10
	endpointQuery       = "/v1/chat/query"
	maxListLimit        = 200
)

type Router struct {
	cfg     config.Config
	chat    ports.ChatService
	health  ports.HealthService
	metrics *metrics.HTTPServerMetrics
	service string
}

func NewRouter(
	cfg config.Config,
	chat ports.ChatService,
	health ports.HealthService,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	service := cfg.APIServiceName
	if service == "" {
		service = "api"
	}
	return &Router{
		cfg:     cfg,
		chat:    chat,
		health:  health,
		metrics: httpMetrics,
		service: service,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST "+endpointQuery, rt.handleQuery)
	api.HandleFunc("GET /v1/chat/history/{conversation_id}", rt.getHistory)
	api.HandleFunc("GET /v1/chat/conversations", rt.listConversations)
	api.HandleFunc("POST /v1/chat/feedback", rt.submitFeedback)
	api.HandleFunc("GET /v1/health", rt.healthReport)

	var limited http.Handler = api
	limited = backpressureMiddleware(limited, rt.cfg.APIBackpressureMax, rt.cfg.APIBackpressureWait, rt.recordRejected)
	limited = rateLimitMiddleware(limited, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.recordRejected)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/", limited)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.service, handler)
	}
	handler = recoverMiddleware(handler)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) recordRejected(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejected(rt.service, reason)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) healthReport(w http.ResponseWriter, r *http.Request) {
	if rt.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	report := rt.health.Health(r.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type queryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Stream         bool   `json:"stream"`
}

func (rt *Router) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	query := domain.Query{
		Text:           req.Query,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
	}
	if req.Stream || acceptsEventStream(r) {
		rt.streamQuery(w, r, query)
		return
	}

	result, err := rt.chat.HandleQuery(r.Context(), query)
	if err != nil {
		rt.recordFailure(err)
		writeError(w, r, err)
		return
	}
	rt.recordTurn(result)
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) streamQuery(w http.ResponseWriter, r *http.Request, query domain.Query) {
	stream, err := newEventStream(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported"})
		return
	}

	var streamed strings.Builder
	result, err := rt.chat.HandleQueryStream(r.Context(), query, func(chunk string) error {
		streamed.WriteString(chunk)
		return stream.send("token", map[string]string{"delta": chunk})
	})
	if err != nil {
		rt.recordFailure(err)
		if !stream.started {
			writeError(w, r, err)
			return
		}
		status := mapErrorToHTTPStatus(err)
		if sendErr := stream.send("error", map[string]any{"status": status, "error": publicErrorMessage(status, err)}); sendErr != nil {
			slog.Warn("sse_write_failed", "request_id", requestIDFromContext(r.Context()), "error", sendErr)
		}
		return
	}

	rt.recordTurn(result)
	// Tokens already sent are not the final answer when generation failed
	// mid-stream; clients drop them on reset and render result.answer.
	if streamed.Len() > 0 && strings.TrimSpace(streamed.String()) != result.Answer {
		if err := stream.send("reset", map[string]string{"reason": resetReason(result)}); err != nil {
			slog.Warn("sse_write_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
			return
		}
	}
	if err := stream.send("result", result); err != nil {
		slog.Warn("sse_write_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		return
	}
	_ = stream.done()
}

func resetReason(result *domain.QueryResult) string {
	if result.Metadata.FallbackUsed {
		return "generation_failure"
	}
	return "answer_replaced"
}

func (rt *Router) getHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.PathValue("conversation_id"))
	turns, err := rt.chat.GetHistory(r.Context(), conversationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        turns,
	})
}

func (rt *Router) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := rt.cfg.ConversationListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxListLimit)
	}

	userID := r.URL.Query().Get("user_id")
	summaries, err := rt.chat.ListConversations(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []domain.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

type feedbackRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Rating         int    `json:"rating"`
	Comment        string `json:"comment"`
}

func (rt *Router) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	saved, err := rt.chat.SubmitFeedback(r.Context(), domain.Feedback{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Rating:         req.Rating,
		Comment:        req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (rt *Router) recordTurn(result *domain.QueryResult) {
	if rt.metrics != nil {
		rt.metrics.RecordTurn(rt.service, endpointQuery, result)
	}
}

func (rt *Router) recordFailure(err error) {
	if rt.metrics == nil {
		return
	}
	reason := "internal"
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		reason = string(domain.FailureInvalidInput)
	case domain.IsKind(err, domain.ErrRetrievalUnavailable):
		reason = string(domain.FailureRetrievalUnavailable)
	case domain.IsKind(err, domain.ErrTemporary):
		reason = "temporary"
	}
	rt.metrics.RecordTurnFailure(rt.service, endpointQuery, reason)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		default:
			return errors.New("invalid json")
		}
	}
	return nil
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
