package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type ConversationRepository struct {
	db *sql.DB
}

func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, r.db)
}

func (r *ConversationRepository) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	sources := turn.Sources
	if sources == nil {
		sources = []domain.Evidence{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal turn sources: %w", err)
	}
	metadataJSON, err := json.Marshal(turn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal turn metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO conversation_turns (id, conversation_id, user_id, turn_index, role, content, sources, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, turn.ID, turn.ConversationID, turn.UserID, turn.TurnIndex, string(turn.Role), turn.Content, sourcesJSON, metadataJSON, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetTurns(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit <= 0 {
		rows, err = r.db.QueryContext(ctx, `
SELECT id, conversation_id, user_id, turn_index, role, content, sources, metadata, created_at
FROM conversation_turns
WHERE conversation_id = $1
ORDER BY seq DESC
`, conversationID)
	} else {
		rows, err = r.db.QueryContext(ctx, `
SELECT id, conversation_id, user_id, turn_index, role, content, sources, metadata, created_at
FROM conversation_turns
WHERE conversation_id = $1
ORDER BY seq DESC
LIMIT $2
`, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ConversationTurn, 0)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Returned in descending order from SQL; reverse to keep chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *ConversationRepository) ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT t.conversation_id,
	COALESCE((
		SELECT f.content FROM conversation_turns f
		WHERE f.conversation_id = t.conversation_id AND f.role = 'user'
		ORDER BY f.seq ASC
		LIMIT 1
	), '') AS title,
	COUNT(*) AS message_count,
	MIN(t.created_at) AS created_at,
	MAX(t.created_at) AS updated_at
FROM conversation_turns t
WHERE t.user_id = $1
GROUP BY t.conversation_id
ORDER BY MAX(t.created_at) DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ConversationSummary, 0)
	for rows.Next() {
		summary := domain.ConversationSummary{UserID: userID}
		if err := rows.Scan(
			&summary.ConversationID,
			&summary.Title,
			&summary.MessageCount,
			&summary.CreatedAt,
			&summary.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation summaries: %w", err)
	}
	return out, nil
}

func (r *ConversationRepository) SaveFeedback(ctx context.Context, feedback domain.Feedback) error {
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO feedback (id, conversation_id, message_id, rating, comment, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, feedback.ID, feedback.ConversationID, feedback.MessageID, feedback.Rating, nullableString(feedback.Comment), feedback.CreatedAt)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

func (r *ConversationRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func scanTurn(rows *sql.Rows) (domain.ConversationTurn, error) {
	var (
		turn         domain.ConversationTurn
		role         string
		sourcesJSON  []byte
		metadataJSON []byte
	)
	if err := rows.Scan(
		&turn.ID,
		&turn.ConversationID,
		&turn.UserID,
		&turn.TurnIndex,
		&role,
		&turn.Content,
		&sourcesJSON,
		&metadataJSON,
		&turn.Timestamp,
	); err != nil {
		return domain.ConversationTurn{}, fmt.Errorf("scan turn: %w", err)
	}
	turn.Role = domain.Role(role)
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &turn.Sources); err != nil {
			return domain.ConversationTurn{}, fmt.Errorf("decode turn sources: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &turn.Metadata); err != nil {
			return domain.ConversationTurn{}, fmt.Errorf("decode turn metadata: %w", err)
		}
	}
	return turn, nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
