package usecase

import (
	"context"
	"sync"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type searchIndexFake struct {
	mu sync.Mutex

	lexical    []domain.SearchHit
	lexicalErr error
	vector     []domain.SearchHit
	vectorErr  error

	lexicalCalls int
	vectorCalls  int
	lexicalLimit int
	vectorLimit  int
}

func (f *searchIndexFake) LexicalQuery(_ context.Context, _ string, limit int) ([]domain.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lexicalCalls++
	f.lexicalLimit = limit
	if f.lexicalErr != nil {
		return nil, f.lexicalErr
	}
	return f.lexical, nil
}

func (f *searchIndexFake) VectorQuery(_ context.Context, _ []float32, limit int) ([]domain.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectorCalls++
	f.vectorLimit = limit
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	return f.vector, nil
}

func (f *searchIndexFake) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lexicalCalls + f.vectorCalls
}

type embedderFake struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *embedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type scorerFake struct {
	scores    []float64
	err       error
	calls     int
	documents []string
}

func (f *scorerFake) Score(_ context.Context, _ string, documents []string) ([]float64, error) {
	f.calls++
	f.documents = documents
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}

type chatModelFake struct {
	text   string
	usage  domain.TokenUsage
	err    error
	chunks []string

	calls       int
	streamCalls int
	messages    []domain.ChatMessage
	cfg         domain.GenerationConfig
}

func (f *chatModelFake) Complete(_ context.Context, messages []domain.ChatMessage, cfg domain.GenerationConfig) (domain.Completion, error) {
	f.calls++
	f.messages = messages
	f.cfg = cfg
	if f.err != nil {
		return domain.Completion{}, f.err
	}
	return domain.Completion{Text: f.text, Usage: f.usage, Model: cfg.Model}, nil
}

func (f *chatModelFake) Stream(_ context.Context, messages []domain.ChatMessage, cfg domain.GenerationConfig, onChunk func(string) error) (domain.Completion, error) {
	f.streamCalls++
	f.messages = messages
	f.cfg = cfg
	if f.err != nil {
		return domain.Completion{}, f.err
	}
	for _, chunk := range f.chunks {
		if err := onChunk(chunk); err != nil {
			return domain.Completion{}, err
		}
	}
	return domain.Completion{Text: f.text, Usage: f.usage, Model: cfg.Model}, nil
}

type conversationStoreFake struct {
	mu sync.Mutex

	turns     map[string][]domain.ConversationTurn
	summaries []domain.ConversationSummary
	feedback  []domain.Feedback

	appendErr   error
	getErr      error
	feedbackErr error

	getCalls    int
	lastLimit   int
	appendCalls int
}

func newConversationStoreFake() *conversationStoreFake {
	return &conversationStoreFake{turns: make(map[string][]domain.ConversationTurn)}
}

func (f *conversationStoreFake) AppendTurn(_ context.Context, turn domain.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if f.appendErr != nil {
		return f.appendErr
	}
	f.turns[turn.ConversationID] = append(f.turns[turn.ConversationID], turn)
	return nil
}

func (f *conversationStoreFake) GetTurns(_ context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	f.lastLimit = limit
	if f.getErr != nil {
		return nil, f.getErr
	}
	turns := f.turns[conversationID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]domain.ConversationTurn, len(turns))
	copy(out, turns)
	return out, nil
}

func (f *conversationStoreFake) ListConversations(_ context.Context, _ string, limit int) ([]domain.ConversationSummary, error) {
	f.lastLimit = limit
	out := make([]domain.ConversationSummary, len(f.summaries))
	copy(out, f.summaries)
	return out, nil
}

func (f *conversationStoreFake) SaveFeedback(_ context.Context, feedback domain.Feedback) error {
	if f.feedbackErr != nil {
		return f.feedbackErr
	}
	f.feedback = append(f.feedback, feedback)
	return nil
}

type eventPublisherFake struct {
	events []domain.TurnCompletedEvent
	err    error
}

func (f *eventPublisherFake) PublishTurnCompleted(_ context.Context, event domain.TurnCompletedEvent) error {
	f.events = append(f.events, event)
	return f.err
}

func hit(id string, score float64) domain.SearchHit {
	return domain.SearchHit{
		DocumentID: id,
		Text:       "nội dung " + id,
		Score:      score,
		Source: domain.SourceMetadata{
			Question: "câu hỏi " + id,
			Answer:   "trả lời " + id,
			Article:  "Điều " + id,
			Document: "Quy chế " + id,
		},
	}
}

func candidate(id string, fused float64, text string) domain.Candidate {
	return domain.Candidate{
		DocumentID:  id,
		Text:        text,
		FusedScore:  fused,
		LexicalRank: -1,
		Source: domain.SourceMetadata{
			Question: "câu hỏi " + id,
			Answer:   "trả lời " + id,
			Article:  "Điều " + id,
			Document: "Quy chế " + id,
		},
	}
}

func candidateIDs(candidates []domain.Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.DocumentID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
