package usecase

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const (
	defaultConversationListLimit = 50
	conversationTitleRunes       = 50
	maxFeedbackCommentRunes      = 500
)

func (o *ConversationOrchestrator) ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list conversations", fmt.Errorf("user_id is required"))
	}
	if limit <= 0 || limit > defaultConversationListLimit {
		limit = defaultConversationListLimit
	}

	summaries, err := o.store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, domain.WrapError(domain.ErrHistoryUnavailable, "list conversations", err)
	}
	for i := range summaries {
		summaries[i].Title = conversationTitle(summaries[i].Title)
	}
	return summaries, nil
}

func (o *ConversationOrchestrator) SubmitFeedback(ctx context.Context, feedback domain.Feedback) (*domain.Feedback, error) {
	feedback.ConversationID = strings.TrimSpace(feedback.ConversationID)
	feedback.MessageID = strings.TrimSpace(feedback.MessageID)
	feedback.Comment = strings.TrimSpace(feedback.Comment)

	switch {
	case feedback.ConversationID == "":
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit feedback", fmt.Errorf("conversation_id is required"))
	case feedback.MessageID == "":
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit feedback", fmt.Errorf("message_id is required"))
	case feedback.Rating < 1 || feedback.Rating > 5:
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit feedback", fmt.Errorf("rating must be between 1 and 5, got %d", feedback.Rating))
	case utf8.RuneCountInString(feedback.Comment) > maxFeedbackCommentRunes:
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit feedback", fmt.Errorf("comment exceeds %d characters", maxFeedbackCommentRunes))
	}

	feedback.ID = newID("fb")
	feedback.CreatedAt = o.now()
	if err := o.store.SaveFeedback(ctx, feedback); err != nil {
		return nil, domain.WrapError(domain.ErrPersistenceFailure, "submit feedback", err)
	}
	return &feedback, nil
}

func conversationTitle(firstUserMessage string) string {
	title := strings.TrimSpace(firstUserMessage)
	if title == "" {
		return "New conversation"
	}
	return truncateRunes(title, conversationTitleRunes)
}
