package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const anonymousUserID = "anonymous"

// ConversationOrchestrator runs one conversation turn through the pipeline states
// and persists the completed turn.
type ConversationOrchestrator struct {
	retriever *HybridRetriever
	reranker  *Reranker
	assembler *ContextAssembler
	generator *AnswerGenerator
	store     ports.ConversationStore
	events    ports.TurnEventPublisher
	cfg       PipelineConfig

	now func() time.Time
}

func NewConversationOrchestrator(
	retriever *HybridRetriever,
	reranker *Reranker,
	assembler *ContextAssembler,
	generator *AnswerGenerator,
	store ports.ConversationStore,
	events ports.TurnEventPublisher,
	cfg PipelineConfig,
) *ConversationOrchestrator {
	return &ConversationOrchestrator{
		retriever: retriever,
		reranker:  reranker,
		assembler: assembler,
		generator: generator,
		store:     store,
		events:    events,
		cfg:       cfg.normalize(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (o *ConversationOrchestrator) HandleQuery(ctx context.Context, query domain.Query) (*domain.QueryResult, error) {
	return o.handle(ctx, query, nil)
}

func (o *ConversationOrchestrator) HandleQueryStream(ctx context.Context, query domain.Query, onChunk func(string) error) (*domain.QueryResult, error) {
	return o.handle(ctx, query, onChunk)
}

func (o *ConversationOrchestrator) handle(ctx context.Context, query domain.Query, onChunk func(string) error) (*domain.QueryResult, error) {
	run := newTurnRun()
	run.enter(domain.StateValidating)

	text, err := o.validate(query)
	if err != nil {
		run.fail(domain.FailureInvalidInput, err)
		return nil, err
	}

	userID := strings.TrimSpace(query.UserID)
	if userID == "" {
		userID = anonymousUserID
	}
	conversationID := strings.TrimSpace(query.ConversationID)
	resumed := conversationID != ""
	if !resumed {
		conversationID = newID("conv")
	}

	// External calls run detached from caller cancellation so in-flight requests
	// finish; the turn is discarded before persisting if the caller went away.
	work := context.WithoutCancel(ctx)

	var (
		history        []domain.ConversationTurn
		historyWarning string
	)
	nextIndex := 1
	if resumed {
		history, nextIndex, historyWarning = o.loadHistory(work, conversationID)
		run.mark("history")
	}
	turnIndex := query.TurnIndex
	if turnIndex <= 0 {
		turnIndex = nextIndex
	}

	run.enter(domain.StateRetrieving)
	candidates, retrieval, err := o.retriever.Retrieve(work, text, o.cfg.retrievalSize(), o.cfg.Weights)
	if err != nil {
		run.fail(domain.FailureRetrievalUnavailable, err)
		return nil, err
	}

	run.enter(domain.StateReranking)
	reranked, rerank := o.reranker.Rerank(work, text, candidates, o.cfg.keepSize())

	run.enter(domain.StateAssemblingContext)
	evidence := o.assembler.Assemble(reranked, o.cfg.ContextTokenBudget, turnIndex)

	run.enter(domain.StateGenerating)
	genCfg := o.cfg.Generation
	genCfg.Streaming = onChunk != nil
	generation := o.generator.GenerateStream(work, text, history, evidence, genCfg, onChunk)

	if err := ctx.Err(); err != nil {
		run.fail(domain.FailureCanceled, err)
		slog.Info("turn_discarded", "conversation_id", conversationID, "reason", err.Error())
		return nil, err
	}

	run.enter(domain.StatePersisting)
	assistantID := newID("msg")
	timestamp := o.now()
	userTurn := domain.ConversationTurn{
		ID:             assistantID + "_user",
		ConversationID: conversationID,
		UserID:         userID,
		TurnIndex:      turnIndex,
		Role:           domain.RoleUser,
		Content:        text,
		Timestamp:      timestamp,
	}
	assistantTurn := domain.ConversationTurn{
		ID:             assistantID,
		ConversationID: conversationID,
		UserID:         userID,
		TurnIndex:      turnIndex,
		Role:           domain.RoleAssistant,
		Content:        generation.AnswerText,
		Sources:        evidence.Items,
		Timestamp:      timestamp,
		Metadata: domain.TurnMetadata{
			StageLatencyMs: run.latencySnapshot(),
			TokenUsage:     &generation.TokenUsage,
			FallbackUsed:   generation.FallbackUsed,
			NoEvidence:     generation.NoEvidence,
			Model:          generation.Model,
			Error:          generation.FailureReason,
		},
	}
	saveWarning := o.persist(work, userTurn, assistantTurn)

	run.enter(domain.StateComplete)
	result := &domain.QueryResult{
		Query:              text,
		Answer:             generation.AnswerText,
		Sources:            evidence.Top(o.cfg.SourcesLimit),
		Evidence:           evidence,
		ConversationID:     conversationID,
		UserMessageID:      userTurn.ID,
		AssistantMessageID: assistantID,
		TurnIndex:          turnIndex,
		Timestamp:          timestamp,
		Metadata: domain.ResultMetadata{
			StageLatencyMs:    run.latencySnapshot(),
			TokenUsage:        generation.TokenUsage,
			Model:             generation.Model,
			CandidateCount:    len(candidates),
			FallbackUsed:      generation.FallbackUsed,
			Caveat:            generation.Caveat,
			NoEvidence:        generation.NoEvidence,
			RerankSkipped:     rerank.Skipped,
			RerankFallback:    rerank.FallbackUsed,
			RetrievalDegraded: retrieval.Degraded,
			RetrievalCacheHit: retrieval.CacheHit,
			SaveWarning:       saveWarning,
			HistoryWarning:    historyWarning,
			States:            run.states,
		},
	}
	result.Metadata.Warnings = collectWarnings(retrieval, rerank, generation, historyWarning, saveWarning)
	if generation.NoEvidence {
		result.Metadata.FailureReason = domain.FailureNoEvidence
	}

	o.publish(work, result, userID, saveWarning == "")
	slog.Info("turn_complete",
		"conversation_id", conversationID,
		"turn_index", turnIndex,
		"candidates", len(candidates),
		"sources", len(evidence.Items),
		"fallback_used", generation.FallbackUsed,
		"rerank_skipped", rerank.Skipped,
		"total_ms", result.Metadata.StageLatencyMs["total"],
	)
	return result, nil
}

// GetHistory returns every stored turn of the conversation in order.
func (o *ConversationOrchestrator) GetHistory(ctx context.Context, conversationID string) ([]domain.ConversationTurn, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get history", fmt.Errorf("conversation_id is required"))
	}
	turns, err := o.store.GetTurns(ctx, conversationID, 0)
	if err != nil {
		return nil, domain.WrapError(domain.ErrHistoryUnavailable, "get history", err)
	}
	if len(turns) == 0 {
		return nil, domain.WrapError(domain.ErrConversationNotFound, "get history", fmt.Errorf("conversation_id=%s", conversationID))
	}
	return turns, nil
}

func (o *ConversationOrchestrator) validate(query domain.Query) (string, error) {
	text := strings.TrimSpace(query.Text)
	if text == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "handle query", fmt.Errorf("query is required"))
	}
	if n := utf8.RuneCountInString(text); n > o.cfg.MaxQueryRunes {
		return "", domain.WrapError(domain.ErrInvalidInput, "handle query", fmt.Errorf("query is %d characters, limit is %d", n, o.cfg.MaxQueryRunes))
	}
	return text, nil
}

// loadHistory returns the prompt window of earlier turns and the index for the
// new turn. With the window disabled only the latest turn is read, to keep
// numbering. When the store cannot be read the index is TurnIndexUnknown.
func (o *ConversationOrchestrator) loadHistory(ctx context.Context, conversationID string) ([]domain.ConversationTurn, int, string) {
	limit := o.cfg.HistoryWindow
	if limit == 0 {
		limit = 1
	}
	loadCtx, cancel := context.WithTimeout(ctx, o.cfg.HistoryTimeout)
	defer cancel()

	turns, err := o.store.GetTurns(loadCtx, conversationID, limit)
	if err != nil {
		slog.Warn("history_load_failed",
			"conversation_id", conversationID,
			"error", domain.WrapError(domain.ErrHistoryUnavailable, "load history", err),
		)
		return nil, domain.TurnIndexUnknown, "Conversation history unavailable, answering without context"
	}
	next := nextTurnIndex(turns)
	if o.cfg.HistoryWindow == 0 {
		turns = nil
	}
	return turns, next, ""
}

func (o *ConversationOrchestrator) persist(ctx context.Context, turns ...domain.ConversationTurn) string {
	saveCtx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
	defer cancel()

	for _, turn := range turns {
		if err := o.store.AppendTurn(saveCtx, turn); err != nil {
			slog.Error("history_save_failed",
				"conversation_id", turn.ConversationID,
				"message_id", turn.ID,
				"error", domain.WrapError(domain.ErrPersistenceFailure, "append turn", err),
			)
			return domain.SaveWarningNotSaved
		}
	}
	return ""
}

func (o *ConversationOrchestrator) publish(ctx context.Context, result *domain.QueryResult, userID string, saved bool) {
	if o.events == nil {
		return
	}
	event := domain.TurnCompletedEvent{
		ConversationID:     result.ConversationID,
		UserID:             userID,
		AssistantMessageID: result.AssistantMessageID,
		TurnIndex:          result.TurnIndex,
		SourceCount:        len(result.Evidence.Items),
		FallbackUsed:       result.Metadata.FallbackUsed,
		NoEvidence:         result.Metadata.NoEvidence,
		RerankSkipped:      result.Metadata.RerankSkipped,
		RerankFallback:     result.Metadata.RerankFallback,
		RetrievalDegraded:  result.Metadata.RetrievalDegraded,
		Saved:              saved,
		TokenUsage:         result.Metadata.TokenUsage,
		StageLatencyMs:     result.Metadata.StageLatencyMs,
		CompletedAt:        result.Timestamp,
	}
	if err := o.events.PublishTurnCompleted(ctx, event); err != nil {
		slog.Warn("turn_event_publish_failed", "conversation_id", result.ConversationID, "error", err)
	}
}

func collectWarnings(
	retrieval domain.RetrievalReport,
	rerank domain.RerankReport,
	generation domain.GenerationResult,
	historyWarning, saveWarning string,
) []string {
	warnings := make([]string, 0, 4)
	if retrieval.Degraded {
		warnings = append(warnings, "retrieval_degraded")
	}
	if rerank.FallbackUsed {
		warnings = append(warnings, "rerank_failure")
	}
	if generation.FallbackUsed {
		warnings = append(warnings, "generation_failure")
	}
	if historyWarning != "" {
		warnings = append(warnings, "history_unavailable")
	}
	if saveWarning != "" {
		warnings = append(warnings, "persistence_failure")
	}
	if len(warnings) == 0 {
		return nil
	}
	return warnings
}

func nextTurnIndex(history []domain.ConversationTurn) int {
	last := 0
	for _, turn := range history {
		if turn.TurnIndex > last {
			last = turn.TurnIndex
		}
	}
	return last + 1
}

func newID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:12]
}

// turnRun tracks state transitions and per-stage latency of one turn.
type turnRun struct {
	started    time.Time
	stageStart time.Time
	state      domain.PipelineState
	states     []domain.PipelineState
	latency    map[string]float64
}

func newTurnRun() *turnRun {
	now := time.Now()
	return &turnRun{
		started:    now,
		stageStart: now,
		states:     make([]domain.PipelineState, 0, 8),
		latency:    make(map[string]float64, 8),
	}
}

func (r *turnRun) enter(state domain.PipelineState) {
	if r.state != "" {
		r.latency[string(r.state)] += elapsedMs(r.stageStart)
	}
	r.state = state
	r.stageStart = time.Now()
	r.states = append(r.states, state)
	if state.Terminal() {
		r.latency["total"] = elapsedMs(r.started)
	}
	slog.Debug("pipeline_state", "state", string(state))
}

// mark closes a sub-step of the current state under its own latency key.
func (r *turnRun) mark(step string) {
	r.latency[step] += elapsedMs(r.stageStart)
	r.stageStart = time.Now()
}

func (r *turnRun) fail(reason domain.FailureReason, err error) {
	r.enter(domain.StateFailed)
	slog.Warn("pipeline_failed",
		"reason", string(reason),
		"states", r.states,
		"error", err,
	)
}

func (r *turnRun) latencySnapshot() map[string]float64 {
	out := make(map[string]float64, len(r.latency)+1)
	for k, v := range r.latency {
		out[k] = v
	}
	if _, ok := out["total"]; !ok {
		out["total"] = elapsedMs(r.started)
	}
	return out
}
