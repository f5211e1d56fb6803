package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

var turnColumns = []string{"id", "conversation_id", "user_id", "turn_index", "role", "content", "sources", "metadata", "created_at"}

func newConversationRepoWithMock(t *testing.T) (*ConversationRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewConversationRepository(db), mock, func() { _ = db.Close() }
}

func TestAppendTurnStoresSourcesAndMetadata(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	ts := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO conversation_turns").
		WithArgs("msg_1", "conv_1", "u1", 2, "assistant", "Học phí 25 triệu.", sqlmock.AnyArg(), sqlmock.AnyArg(), ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.AppendTurn(context.Background(), domain.ConversationTurn{
		ID:             "msg_1",
		ConversationID: "conv_1",
		UserID:         "u1",
		TurnIndex:      2,
		Role:           domain.RoleAssistant,
		Content:        "Học phí 25 triệu.",
		Timestamp:      ts,
		Metadata:       domain.TurnMetadata{FallbackUsed: true},
	})
	if err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendTurnWrapsDriverError(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO conversation_turns").WillReturnError(errors.New("connection reset"))

	err := repo.AppendTurn(context.Background(), domain.ConversationTurn{ID: "msg_1", Role: domain.RoleUser})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestGetTurnsReturnsChronologicalOrder(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(turnColumns).
		AddRow("msg_b", "conv_1", "u1", 1, "assistant", "trả lời", []byte(`[{"document_id":"qa_000001","text":"t","lexical_score":0,"vector_score":1,"fused_score":0.7,"source":{"question":"q"},"turn":1}]`), []byte(`{"fallback_used":true}`), now.Add(time.Second)).
		AddRow("msg_b_user", "conv_1", "u1", 1, "user", "câu hỏi", []byte(`[]`), []byte(`{}`), now)

	mock.ExpectQuery("SELECT id, conversation_id, user_id, turn_index, role, content, sources, metadata, created_at").
		WithArgs("conv_1", 6).
		WillReturnRows(rows)

	turns, err := repo.GetTurns(context.Background(), "conv_1", 6)
	if err != nil {
		t.Fatalf("GetTurns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].ID != "msg_b_user" || turns[1].ID != "msg_b" {
		t.Fatalf("expected chronological order, got %s, %s", turns[0].ID, turns[1].ID)
	}
	if turns[1].Role != domain.RoleAssistant || !turns[1].Metadata.FallbackUsed {
		t.Fatalf("unexpected assistant turn: %+v", turns[1])
	}
	if len(turns[1].Sources) != 1 || turns[1].Sources[0].DocumentID != "qa_000001" || turns[1].Sources[0].Turn != 1 {
		t.Fatalf("unexpected sources: %+v", turns[1].Sources)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetTurnsWithoutLimitReadsAll(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	mock.ExpectQuery("FROM conversation_turns").
		WithArgs("conv_missing").
		WillReturnRows(sqlmock.NewRows(turnColumns))

	turns, err := repo.GetTurns(context.Background(), "conv_missing", 0)
	if err != nil {
		t.Fatalf("GetTurns() error = %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected no turns, got %d", len(turns))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetTurnsRejectsCorruptMetadata(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	rows := sqlmock.NewRows(turnColumns).
		AddRow("msg_1", "conv_1", "u1", 1, "user", "q", []byte(`[]`), []byte(`{broken`), time.Now())
	mock.ExpectQuery("FROM conversation_turns").WillReturnRows(rows)

	if _, err := repo.GetTurns(context.Background(), "conv_1", 0); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestListConversationsScansSummaries(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	created := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"conversation_id", "title", "message_count", "created_at", "updated_at"}).
		AddRow("conv_2", "Ký túc xá?", 2, created.Add(time.Hour), created.Add(time.Hour)).
		AddRow("conv_1", "Học phí?", 4, created, created.Add(time.Minute))

	mock.ExpectQuery("GROUP BY t.conversation_id").
		WithArgs("u1", 50).
		WillReturnRows(rows)

	summaries, err := repo.ListConversations(context.Background(), "u1", 50)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(summaries) != 2 || summaries[0].ConversationID != "conv_2" || summaries[1].MessageCount != 4 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
	if summaries[1].UserID != "u1" || summaries[1].Title != "Học phí?" {
		t.Fatalf("unexpected summary fields: %+v", summaries[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveFeedbackStoresNullComment(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO feedback").
		WithArgs("fb_1", "conv_1", "msg_1", 5, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.SaveFeedback(context.Background(), domain.Feedback{
		ID:             "fb_1",
		ConversationID: "conv_1",
		MessageID:      "msg_1",
		Rating:         5,
	})
	if err != nil {
		t.Fatalf("SaveFeedback() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	repo, mock, done := newConversationRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(schemaLockID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversation_turns").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
