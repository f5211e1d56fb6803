package ports

import (
	"context"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

// ChatService is the inbound contract for the admissions chat pipeline.
type ChatService interface {
	HandleQuery(ctx context.Context, query domain.Query) (*domain.QueryResult, error)
	// HandleQueryStream behaves like HandleQuery and forwards answer chunks as they are generated.
	HandleQueryStream(ctx context.Context, query domain.Query, onChunk func(string) error) (*domain.QueryResult, error)
	GetHistory(ctx context.Context, conversationID string) ([]domain.ConversationTurn, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error)
	SubmitFeedback(ctx context.Context, feedback domain.Feedback) (*domain.Feedback, error)
}

// HealthService reports the status of the pipeline collaborators.
type HealthService interface {
	Health(ctx context.Context) domain.HealthReport
}
