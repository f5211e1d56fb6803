package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

func evidenceOf(candidates ...domain.Candidate) domain.EvidenceSet {
	return NewContextAssembler(0).Assemble(candidates, 0, 1)
}

func TestAnswerGeneratorGroundedAnswer(t *testing.T) {
	model := &chatModelFake{
		text:  "  Điều kiện xét tuyển gồm tốt nghiệp THPT.  ",
		usage: domain.TokenUsage{PromptTokens: 120, CompletionTokens: 12},
	}
	gen := NewAnswerGenerator(model, GeneratorOptions{DefaultModel: "llama3.1:8b"})

	history := []domain.ConversationTurn{
		{Role: domain.RoleUser, Content: "chào bạn"},
		{Role: domain.RoleAssistant, Content: "chào bạn, tôi có thể giúp gì?"},
	}
	result := gen.Generate(context.Background(), "Điều kiện xét tuyển là gì?", history,
		evidenceOf(candidate("d1", 1, "thí sinh tốt nghiệp THPT")), domain.GenerationConfig{})

	if result.FallbackUsed || !result.Grounded {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.AnswerText != "Điều kiện xét tuyển gồm tốt nghiệp THPT." {
		t.Fatalf("unexpected answer: %q", result.AnswerText)
	}
	if result.TokenUsage.TotalTokens != 132 || result.TokenUsage.Estimated {
		t.Fatalf("unexpected usage: %+v", result.TokenUsage)
	}
	if result.Model != "llama3.1:8b" {
		t.Fatalf("expected default model, got %q", result.Model)
	}
	if model.cfg.Temperature != 0 || model.cfg.MaxOutputTokens != domain.DefaultMaxOutputTokens {
		t.Fatalf("unexpected normalized config: %+v", model.cfg)
	}

	if len(model.messages) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d messages", len(model.messages))
	}
	if model.messages[0].Role != domain.RoleSystem {
		t.Fatalf("expected system message first, got %s", model.messages[0].Role)
	}
	if model.messages[1].Content != "chào bạn" || model.messages[2].Role != domain.RoleAssistant {
		t.Fatalf("history not forwarded in order: %+v", model.messages[1:3])
	}
	last := model.messages[3]
	if last.Role != domain.RoleUser || !strings.Contains(last.Content, "Điều kiện xét tuyển là gì?") || !strings.Contains(last.Content, "thí sinh tốt nghiệp THPT") {
		t.Fatalf("user message must carry query and evidence, got %q", last.Content)
	}
}

func TestAnswerGeneratorBoundsHistoryWindow(t *testing.T) {
	model := &chatModelFake{text: "ok"}
	gen := NewAnswerGenerator(model, GeneratorOptions{HistoryWindow: 2})

	history := make([]domain.ConversationTurn, 0, 10)
	for i := 0; i < 10; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		history = append(history, domain.ConversationTurn{Role: role, Content: strings.Repeat("x", i+1)})
	}
	gen.Generate(context.Background(), "học phí", history, evidenceOf(candidate("d1", 1, "text")), domain.GenerationConfig{})

	if len(model.messages) != 4 {
		t.Fatalf("expected 2 history messages, got %d total", len(model.messages))
	}
	if model.messages[1].Content != strings.Repeat("x", 9) {
		t.Fatalf("expected the most recent turns, got %q", model.messages[1].Content)
	}
}

func TestAnswerGeneratorFallsBackToStoredAnswer(t *testing.T) {
	model := &chatModelFake{err: context.DeadlineExceeded}
	gen := NewAnswerGenerator(model, GeneratorOptions{})

	top := candidate("d1", 0.9, "nội dung quy chế")
	top.Source.Answer = "Thí sinh cần tốt nghiệp THPT và đạt ngưỡng đầu vào."
	second := candidate("d2", 0.5, "nội dung khác")

	result := gen.Generate(context.Background(), "Điều kiện xét tuyển là gì?", nil, evidenceOf(top, second), domain.GenerationConfig{})
	if !result.FallbackUsed {
		t.Fatalf("expected fallback")
	}
	if result.AnswerText != top.Source.Answer {
		t.Fatalf("expected stored answer verbatim, got %q", result.AnswerText)
	}
	if !strings.Contains(result.Caveat, "📚 Nguồn: Điều d1 - Quy chế d1") {
		t.Fatalf("expected source line in caveat, got %q", result.Caveat)
	}
	if !result.TokenUsage.Estimated || result.TokenUsage.PromptTokens == 0 || result.TokenUsage.CompletionTokens != 0 {
		t.Fatalf("expected estimated prompt-only usage, got %+v", result.TokenUsage)
	}
	if result.FailureReason == "" {
		t.Fatalf("expected failure reason")
	}
}

func TestAnswerGeneratorFallbackUsesExtractiveAnswerThenText(t *testing.T) {
	gen := NewAnswerGenerator(&chatModelFake{err: errors.New("boom")}, GeneratorOptions{})

	extractive := candidate("d1", 1, "đoạn văn gốc")
	extractive.Source.Answer = ""
	extractive.Source.ExtractiveAnswer = "trích xuất"
	if got := gen.Generate(context.Background(), "q", nil, evidenceOf(extractive), domain.GenerationConfig{}).AnswerText; got != "trích xuất" {
		t.Fatalf("expected extractive answer, got %q", got)
	}

	textOnly := candidate("d2", 1, "đoạn văn gốc")
	textOnly.Source = domain.SourceMetadata{}
	result := gen.Generate(context.Background(), "q", nil, evidenceOf(textOnly), domain.GenerationConfig{})
	if result.AnswerText != "đoạn văn gốc" || result.NoEvidence {
		t.Fatalf("expected passage text fallback, got %+v", result)
	}
}

func TestAnswerGeneratorTreatsEmptyAnswerAsFailure(t *testing.T) {
	gen := NewAnswerGenerator(&chatModelFake{text: "   "}, GeneratorOptions{})
	top := candidate("d1", 1, "nội dung")

	result := gen.Generate(context.Background(), "q", nil, evidenceOf(top), domain.GenerationConfig{})
	if !result.FallbackUsed || result.AnswerText != top.Source.Answer {
		t.Fatalf("expected fallback on empty answer, got %+v", result)
	}
}

func TestAnswerGeneratorNoEvidenceSkipsBackend(t *testing.T) {
	model := &chatModelFake{text: "không nên gọi"}
	gen := NewAnswerGenerator(model, GeneratorOptions{})

	result := gen.Generate(context.Background(), "câu hỏi ngoài phạm vi", nil, domain.EvidenceSet{}, domain.GenerationConfig{})
	if !result.NoEvidence || result.AnswerText != noEvidenceAnswer {
		t.Fatalf("expected no-evidence answer, got %+v", result)
	}
	if model.calls != 0 || model.streamCalls != 0 {
		t.Fatalf("expected backend not called")
	}
}

func TestAnswerGeneratorStreamsChunks(t *testing.T) {
	model := &chatModelFake{text: "Xin chào", chunks: []string{"Xin ", "chào"}}
	gen := NewAnswerGenerator(model, GeneratorOptions{})

	var got []string
	result := gen.GenerateStream(context.Background(), "q", nil, evidenceOf(candidate("d1", 1, "t")),
		domain.GenerationConfig{Streaming: true},
		func(chunk string) error {
			got = append(got, chunk)
			return nil
		})
	if model.streamCalls != 1 || model.calls != 0 {
		t.Fatalf("expected streaming call, got stream=%d complete=%d", model.streamCalls, model.calls)
	}
	if strings.Join(got, "") != "Xin chào" || result.AnswerText != "Xin chào" {
		t.Fatalf("unexpected stream: %v answer=%q", got, result.AnswerText)
	}
	if !result.TokenUsage.Estimated {
		t.Fatalf("expected estimated usage when backend reports none")
	}
}

func TestAnswerGeneratorWithoutBackendFallsBack(t *testing.T) {
	gen := NewAnswerGenerator(nil, GeneratorOptions{})
	top := candidate("d1", 1, "t")
	result := gen.Generate(context.Background(), "q", nil, evidenceOf(top), domain.GenerationConfig{})
	if !result.FallbackUsed || result.AnswerText != top.Source.Answer {
		t.Fatalf("expected fallback without backend, got %+v", result)
	}
}
