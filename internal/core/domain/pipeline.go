package domain

import "time"

// PipelineState is a state of one turn in the conversation pipeline.
type PipelineState string

const (
	StateValidating        PipelineState = "validating"
	StateRetrieving        PipelineState = "retrieving"
	StateReranking         PipelineState = "reranking"
	StateAssemblingContext PipelineState = "assembling_context"
	StateGenerating        PipelineState = "generating"
	StatePersisting        PipelineState = "persisting"
	StateComplete          PipelineState = "complete"
	StateFailed            PipelineState = "failed"
)

func (s PipelineState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

type FailureReason string

const (
	FailureInvalidInput         FailureReason = "invalid_input"
	FailureRetrievalUnavailable FailureReason = "retrieval_unavailable"
	FailureNoEvidence           FailureReason = "no_evidence"
	FailureCanceled             FailureReason = "canceled"
)

const SaveWarningNotSaved = "Conversation not saved to database"

type ResultMetadata struct {
	StageLatencyMs    map[string]float64 `json:"stage_latency_ms"`
	TokenUsage        TokenUsage         `json:"token_usage"`
	Model             string             `json:"model,omitempty"`
	CandidateCount    int                `json:"num_documents_retrieved"`
	FallbackUsed      bool               `json:"fallback_used"`
	Caveat            string             `json:"caveat,omitempty"`
	NoEvidence        bool               `json:"no_evidence,omitempty"`
	RerankSkipped     bool               `json:"rerank_skipped,omitempty"`
	RerankFallback    bool               `json:"rerank_fallback,omitempty"`
	RetrievalDegraded bool               `json:"retrieval_degraded,omitempty"`
	RetrievalCacheHit bool               `json:"retrieval_cache_hit,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
	SaveWarning       string             `json:"save_warning,omitempty"`
	HistoryWarning    string             `json:"history_warning,omitempty"`
	States            []PipelineState    `json:"states"`
	FailureReason     FailureReason      `json:"failure_reason,omitempty"`
}

// QueryResult is what HandleQuery returns for a completed turn.
type QueryResult struct {
	Query              string         `json:"query"`
	Answer             string         `json:"answer"`
	Sources            []Evidence     `json:"sources"`
	Evidence           EvidenceSet    `json:"-"`
	ConversationID     string         `json:"conversation_id"`
	UserMessageID      string         `json:"user_message_id"`
	AssistantMessageID string         `json:"message_id"`
	TurnIndex          int            `json:"turn_index"`
	Timestamp          time.Time      `json:"timestamp"`
	Metadata           ResultMetadata `json:"metadata"`
}

type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthReport struct {
	Status    string                   `json:"status"`
	Services  map[string]ServiceHealth `json:"services"`
	Timestamp time.Time                `json:"timestamp"`
}
