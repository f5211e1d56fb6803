package ports

import (
	"context"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

// SearchIndex runs the two retrieval signals against the admissions index.
type SearchIndex interface {
	LexicalQuery(ctx context.Context, text string, limit int) ([]domain.SearchHit, error)
	VectorQuery(ctx context.Context, vector []float32, limit int) ([]domain.SearchHit, error)
}

// Embedder builds the query vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// RelevanceScorer scores (query, document) pairs in one batched call.
// The returned slice is index-aligned with documents.
type RelevanceScorer interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
}

// ChatModel is the generation backend.
type ChatModel interface {
	Complete(ctx context.Context, messages []domain.ChatMessage, cfg domain.GenerationConfig) (domain.Completion, error)
	Stream(ctx context.Context, messages []domain.ChatMessage, cfg domain.GenerationConfig, onChunk func(string) error) (domain.Completion, error)
}

// ConversationStore persists conversation turns and feedback.
type ConversationStore interface {
	AppendTurn(ctx context.Context, turn domain.ConversationTurn) error
	// GetTurns returns the last limit turns in chronological order; limit <= 0 returns all.
	GetTurns(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error)
	SaveFeedback(ctx context.Context, feedback domain.Feedback) error
}

// RetrievalCache stores fused candidate lists.
type RetrievalCache interface {
	Get(ctx context.Context, key string) ([]domain.Candidate, bool, error)
	Set(ctx context.Context, key string, candidates []domain.Candidate, ttl time.Duration) error
}

// TurnEventPublisher announces completed turns.
type TurnEventPublisher interface {
	PublishTurnCompleted(ctx context.Context, event domain.TurnCompletedEvent) error
}

// TurnEventSubscriber consumes completed turn events.
type TurnEventSubscriber interface {
	SubscribeTurnCompleted(ctx context.Context, handler func(context.Context, domain.TurnCompletedEvent) error) error
}

// HealthChecker is implemented by collaborators that can report liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
