package domain

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

type TurnMetadata struct {
	StageLatencyMs map[string]float64 `json:"stage_latency_ms,omitempty"`
	TokenUsage     *TokenUsage        `json:"token_usage,omitempty"`
	FallbackUsed   bool               `json:"fallback_used,omitempty"`
	NoEvidence     bool               `json:"no_evidence,omitempty"`
	Model          string             `json:"model,omitempty"`

	// Error marks an assistant turn whose answer could not be produced.
	Error string `json:"error,omitempty"`
}

// ConversationTurn is one append-only message of a conversation.
// TurnIndexUnknown marks a turn persisted while the conversation's earlier
// turns could not be read, so its position was not known.
const TurnIndexUnknown = 0

type ConversationTurn struct {
	ID             string       `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id,omitempty"`
	TurnIndex      int          `json:"turn_index"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Sources        []Evidence   `json:"sources,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	Metadata       TurnMetadata `json:"metadata"`
}

type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Title          string    `json:"title"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Feedback struct {
	ID             string    `json:"feedback_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Rating         int       `json:"rating"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TurnCompletedEvent is published after a turn finished the pipeline.
type TurnCompletedEvent struct {
	ConversationID     string             `json:"conversation_id"`
	UserID             string             `json:"user_id,omitempty"`
	AssistantMessageID string             `json:"assistant_message_id"`
	TurnIndex          int                `json:"turn_index"`
	SourceCount        int                `json:"source_count"`
	FallbackUsed       bool               `json:"fallback_used"`
	NoEvidence         bool               `json:"no_evidence"`
	RerankSkipped      bool               `json:"rerank_skipped"`
	RerankFallback     bool               `json:"rerank_fallback"`
	RetrievalDegraded  bool               `json:"retrieval_degraded"`
	Saved              bool               `json:"saved"`
	TokenUsage         TokenUsage         `json:"token_usage"`
	StageLatencyMs     map[string]float64 `json:"stage_latency_ms"`
	CompletedAt        time.Time          `json:"completed_at"`
}
