package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const defaultHistoryWindow = 6

var errEmptyAnswer = errors.New("empty answer from generation backend")

type GeneratorOptions struct {
	DefaultModel  string
	HistoryWindow int
	Timeout       time.Duration
}

// AnswerGenerator produces a grounded answer, falling back to stored evidence
// answers when the backend cannot.
type AnswerGenerator struct {
	model ports.ChatModel
	opts  GeneratorOptions
}

func NewAnswerGenerator(model ports.ChatModel, opts GeneratorOptions) *AnswerGenerator {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	return &AnswerGenerator{
		model: model,
		opts:  opts,
	}
}

func (g *AnswerGenerator) Generate(
	ctx context.Context,
	query string,
	history []domain.ConversationTurn,
	evidence domain.EvidenceSet,
	cfg domain.GenerationConfig,
) domain.GenerationResult {
	return g.generate(ctx, query, history, evidence, cfg, nil)
}

// GenerateStream forwards answer chunks to onChunk when cfg.Streaming is set.
func (g *AnswerGenerator) GenerateStream(
	ctx context.Context,
	query string,
	history []domain.ConversationTurn,
	evidence domain.EvidenceSet,
	cfg domain.GenerationConfig,
	onChunk func(string) error,
) domain.GenerationResult {
	return g.generate(ctx, query, history, evidence, cfg, onChunk)
}

func (g *AnswerGenerator) generate(
	ctx context.Context,
	query string,
	history []domain.ConversationTurn,
	evidence domain.EvidenceSet,
	cfg domain.GenerationConfig,
	onChunk func(string) error,
) domain.GenerationResult {
	start := time.Now()
	cfg = cfg.Normalize(g.opts.DefaultModel)

	if evidence.Empty() {
		return domain.GenerationResult{
			AnswerText: noEvidenceAnswer,
			NoEvidence: true,
			LatencyMs:  elapsedMs(start),
		}
	}

	messages := buildMessages(query, history, evidence, g.opts.HistoryWindow)
	completion, err := g.complete(ctx, messages, cfg, onChunk)
	if err == nil && strings.TrimSpace(completion.Text) == "" {
		err = errEmptyAnswer
	}
	if err != nil {
		return g.extractiveFallback(evidence, messages, completion, err, start)
	}

	model := completion.Model
	if model == "" {
		model = cfg.Model
	}
	answer := strings.TrimSpace(completion.Text)
	return domain.GenerationResult{
		AnswerText: answer,
		Grounded:   true,
		TokenUsage: completeUsage(completion.Usage, messages, answer),
		LatencyMs:  elapsedMs(start),
		Model:      model,
	}
}

func (g *AnswerGenerator) complete(
	ctx context.Context,
	messages []domain.ChatMessage,
	cfg domain.GenerationConfig,
	onChunk func(string) error,
) (domain.Completion, error) {
	if g.model == nil {
		return domain.Completion{}, errors.New("generation backend is not configured")
	}
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	if cfg.Streaming && onChunk != nil {
		return g.model.Stream(ctx, messages, cfg, onChunk)
	}
	return g.model.Complete(ctx, messages, cfg)
}

// extractiveFallback returns the top evidence's stored answer verbatim.
func (g *AnswerGenerator) extractiveFallback(
	evidence domain.EvidenceSet,
	messages []domain.ChatMessage,
	partial domain.Completion,
	cause error,
	start time.Time,
) domain.GenerationResult {
	top := evidence.Items[0]
	answer := strings.TrimSpace(top.Source.StoredAnswer())
	if answer == "" {
		answer = strings.TrimSpace(top.Text)
	}
	noEvidence := answer == ""
	if noEvidence {
		answer = noEvidenceAnswer
	}

	caveat := fallbackCaveat
	if line := sourceLine(top.Source); line != "" {
		caveat += "\n\n" + line
	}

	usage := partial.Usage
	if usage.PromptTokens == 0 {
		usage = domain.TokenUsage{PromptTokens: estimateMessagesTokens(messages), Estimated: true}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	reason := domain.WrapError(domain.ErrGenerationFailure, "generate answer", cause)
	slog.Warn("generation_fallback",
		"error", reason,
		"document_id", top.DocumentID,
		"timeout", isTimeoutError(cause),
	)

	return domain.GenerationResult{
		AnswerText:    answer,
		Grounded:      !noEvidence,
		TokenUsage:    usage,
		LatencyMs:     elapsedMs(start),
		FallbackUsed:  true,
		NoEvidence:    noEvidence,
		Caveat:        caveat,
		FailureReason: reason.Error(),
	}
}

func completeUsage(usage domain.TokenUsage, messages []domain.ChatMessage, answer string) domain.TokenUsage {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage = domain.TokenUsage{
			PromptTokens:     estimateMessagesTokens(messages),
			CompletionTokens: estimateTokens(answer),
			Estimated:        true,
		}
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func estimateMessagesTokens(messages []domain.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += estimateTokens(msg.Content)
	}
	return total
}

func isTimeoutError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
