package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const (
	conversationsCollection = "conversations"
	feedbackCollection      = "feedback"
)

// ConversationStore keeps one document per conversation with an embedded,
// append-only messages array.
type ConversationStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	feedback      *mongo.Collection
}

func Open(ctx context.Context, uri, database string, connectTimeout time.Duration) (*ConversationStore, error) {
	clientOpts := mongoopts.Client().ApplyURI(uri)
	if connectTimeout > 0 {
		clientOpts.SetConnectTimeout(connectTimeout)
		clientOpts.SetServerSelectionTimeout(connectTimeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	return &ConversationStore{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		feedback:      db.Collection(feedbackCollection),
	}, nil
}

func (s *ConversationStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}, Options: mongoopts.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create conversation indexes: %w", err)
	}
	_, err = s.feedback.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create feedback index: %w", err)
	}
	return nil
}

func (s *ConversationStore) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"conversation_id": turn.ConversationID},
		appendTurnUpdate(turn),
		mongoopts.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *ConversationStore) GetTurns(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	opts := mongoopts.FindOne()
	if limit > 0 {
		opts.SetProjection(bson.M{"messages": bson.M{"$slice": -limit}})
	}

	var doc conversationDocument
	err := s.conversations.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []domain.ConversationTurn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	return doc.turns(), nil
}

func (s *ConversationStore) ListConversations(ctx context.Context, userID string, limit int) ([]domain.ConversationSummary, error) {
	cursor, err := s.conversations.Aggregate(ctx, listConversationsPipeline(userID, limit))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []summaryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversation summaries: %w", err)
	}
	out := make([]domain.ConversationSummary, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.summary())
	}
	return out, nil
}

func (s *ConversationStore) SaveFeedback(ctx context.Context, feedback domain.Feedback) error {
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = time.Now().UTC()
	}
	if _, err := s.feedback.InsertOne(ctx, toFeedbackDocument(feedback)); err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

func (s *ConversationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *ConversationStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func appendTurnUpdate(turn domain.ConversationTurn) bson.M {
	return bson.M{
		"$set": bson.M{
			"user_id":    turn.UserID,
			"updated_at": turn.Timestamp,
		},
		"$setOnInsert": bson.M{
			"created_at": turn.Timestamp,
		},
		"$push": bson.M{
			"messages": toMessageDocument(turn),
		},
	}
}

func listConversationsPipeline(userID string, limit int) mongo.Pipeline {
	firstUser := bson.M{"$arrayElemAt": bson.A{
		bson.M{"$filter": bson.M{
			"input": "$messages",
			"as":    "m",
			"cond":  bson.M{"$eq": bson.A{"$$m.role", string(domain.RoleUser)}},
		}},
		0,
	}}
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID}}},
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: -1}}}},
		{{Key: "$limit", Value: int64(limit)}},
		{{Key: "$project", Value: bson.M{
			"conversation_id": 1,
			"user_id":         1,
			"created_at":      1,
			"updated_at":      1,
			"message_count":   bson.M{"$size": bson.M{"$ifNull": bson.A{"$messages", bson.A{}}}},
			"title": bson.M{"$let": bson.M{
				"vars": bson.M{"first": firstUser},
				"in":   bson.M{"$ifNull": bson.A{"$$first.content", ""}},
			}},
		}}},
	}
}
