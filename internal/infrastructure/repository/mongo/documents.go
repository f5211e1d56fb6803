package mongo

import (
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type conversationDocument struct {
	ConversationID string            `bson:"conversation_id"`
	UserID         string            `bson:"user_id"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
	Messages       []messageDocument `bson:"messages"`
}

type messageDocument struct {
	MessageID string           `bson:"message_id"`
	UserID    string           `bson:"user_id,omitempty"`
	TurnIndex int              `bson:"turn_index"`
	Role      string           `bson:"role"`
	Content   string           `bson:"content"`
	Timestamp time.Time        `bson:"timestamp"`
	Sources   []sourceDocument `bson:"sources,omitempty"`
	Metadata  metadataDocument `bson:"metadata"`
}

type sourceDocument struct {
	DocumentID       string   `bson:"document_id"`
	Text             string   `bson:"text"`
	LexicalScore     float64  `bson:"lexical_score"`
	VectorScore      float64  `bson:"vector_score"`
	FusedScore       float64  `bson:"fused_score"`
	RerankScore      *float64 `bson:"rerank_score,omitempty"`
	Question         string   `bson:"question"`
	Answer           string   `bson:"answer,omitempty"`
	ExtractiveAnswer string   `bson:"extractive_answer,omitempty"`
	Article          string   `bson:"article,omitempty"`
	Document         string   `bson:"document,omitempty"`
	Turn             int      `bson:"turn"`
	Truncated        bool     `bson:"truncated,omitempty"`
}

type metadataDocument struct {
	StageLatencyMs   map[string]float64 `bson:"stage_latency_ms,omitempty"`
	PromptTokens     int                `bson:"prompt_tokens,omitempty"`
	CompletionTokens int                `bson:"completion_tokens,omitempty"`
	TotalTokens      int                `bson:"total_tokens,omitempty"`
	TokensEstimated  bool               `bson:"tokens_estimated,omitempty"`
	HasTokenUsage    bool               `bson:"has_token_usage,omitempty"`
	FallbackUsed     bool               `bson:"fallback_used,omitempty"`
	NoEvidence       bool               `bson:"no_evidence,omitempty"`
	Model            string             `bson:"model,omitempty"`
	Error            string             `bson:"error,omitempty"`
}

type summaryDocument struct {
	ConversationID string    `bson:"conversation_id"`
	UserID         string    `bson:"user_id"`
	Title          string    `bson:"title"`
	MessageCount   int       `bson:"message_count"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

type feedbackDocument struct {
	FeedbackID     string    `bson:"feedback_id"`
	ConversationID string    `bson:"conversation_id"`
	MessageID      string    `bson:"message_id"`
	Rating         int       `bson:"rating"`
	Comment        string    `bson:"comment,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func toMessageDocument(turn domain.ConversationTurn) messageDocument {
	doc := messageDocument{
		MessageID: turn.ID,
		UserID:    turn.UserID,
		TurnIndex: turn.TurnIndex,
		Role:      string(turn.Role),
		Content:   turn.Content,
		Timestamp: turn.Timestamp,
		Metadata: metadataDocument{
			StageLatencyMs: turn.Metadata.StageLatencyMs,
			FallbackUsed:   turn.Metadata.FallbackUsed,
			NoEvidence:     turn.Metadata.NoEvidence,
			Model:          turn.Metadata.Model,
			Error:          turn.Metadata.Error,
		},
	}
	if usage := turn.Metadata.TokenUsage; usage != nil {
		doc.Metadata.HasTokenUsage = true
		doc.Metadata.PromptTokens = usage.PromptTokens
		doc.Metadata.CompletionTokens = usage.CompletionTokens
		doc.Metadata.TotalTokens = usage.TotalTokens
		doc.Metadata.TokensEstimated = usage.Estimated
	}
	for _, ev := range turn.Sources {
		doc.Sources = append(doc.Sources, sourceDocument{
			DocumentID:       ev.DocumentID,
			Text:             ev.Text,
			LexicalScore:     ev.LexicalScore,
			VectorScore:      ev.VectorScore,
			FusedScore:       ev.FusedScore,
			RerankScore:      ev.RerankScore,
			Question:         ev.Source.Question,
			Answer:           ev.Source.Answer,
			ExtractiveAnswer: ev.Source.ExtractiveAnswer,
			Article:          ev.Source.Article,
			Document:         ev.Source.Document,
			Turn:             ev.Turn,
			Truncated:        ev.Truncated,
		})
	}
	return doc
}

func (d conversationDocument) turns() []domain.ConversationTurn {
	out := make([]domain.ConversationTurn, 0, len(d.Messages))
	for _, m := range d.Messages {
		turn := domain.ConversationTurn{
			ID:             m.MessageID,
			ConversationID: d.ConversationID,
			UserID:         m.UserID,
			TurnIndex:      m.TurnIndex,
			Role:           domain.Role(m.Role),
			Content:        m.Content,
			Timestamp:      m.Timestamp,
			Metadata: domain.TurnMetadata{
				StageLatencyMs: m.Metadata.StageLatencyMs,
				FallbackUsed:   m.Metadata.FallbackUsed,
				NoEvidence:     m.Metadata.NoEvidence,
				Model:          m.Metadata.Model,
				Error:          m.Metadata.Error,
			},
		}
		if turn.UserID == "" {
			turn.UserID = d.UserID
		}
		if m.Metadata.HasTokenUsage {
			turn.Metadata.TokenUsage = &domain.TokenUsage{
				PromptTokens:     m.Metadata.PromptTokens,
				CompletionTokens: m.Metadata.CompletionTokens,
				TotalTokens:      m.Metadata.TotalTokens,
				Estimated:        m.Metadata.TokensEstimated,
			}
		}
		for _, s := range m.Sources {
			turn.Sources = append(turn.Sources, domain.Evidence{
				Candidate: domain.Candidate{
					DocumentID:   s.DocumentID,
					Text:         s.Text,
					LexicalScore: s.LexicalScore,
					VectorScore:  s.VectorScore,
					FusedScore:   s.FusedScore,
					RerankScore:  s.RerankScore,
					Source: domain.SourceMetadata{
						Question:         s.Question,
						Answer:           s.Answer,
						ExtractiveAnswer: s.ExtractiveAnswer,
						Article:          s.Article,
						Document:         s.Document,
					},
					LexicalRank: -1,
				},
				Turn:      s.Turn,
				Truncated: s.Truncated,
			})
		}
		out = append(out, turn)
	}
	return out
}

func (d summaryDocument) summary() domain.ConversationSummary {
	return domain.ConversationSummary{
		ConversationID: d.ConversationID,
		UserID:         d.UserID,
		Title:          d.Title,
		MessageCount:   d.MessageCount,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func toFeedbackDocument(f domain.Feedback) feedbackDocument {
	return feedbackDocument{
		FeedbackID:     f.ID,
		ConversationID: f.ConversationID,
		MessageID:      f.MessageID,
		Rating:         f.Rating,
		Comment:        f.Comment,
		CreatedAt:      f.CreatedAt,
	}
}
