package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
)

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	Options   chatOptions   `json:"options"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

func (r chatResponse) usage() domain.TokenUsage {
	return domain.TokenUsage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

// ChatModel answers chat turns through /api/chat.
type ChatModel struct {
	client *Client
}

func NewChatModel(client *Client) *ChatModel {
	return &ChatModel{client: client}
}

func (m *ChatModel) Complete(ctx context.Context, messages []domain.ChatMessage, cfg domain.GenerationConfig) (domain.Completion, error) {
	request := m.request(messages, cfg, false)

	var response chatResponse
	err := m.client.call(ctx, "chat", func(callCtx context.Context) error {
		response = chatResponse{}
		return m.client.postJSON(callCtx, "/api/chat", request, &response, "chat")
	})
	if err != nil {
		return domain.Completion{}, err
	}
	if response.Error != "" {
		return domain.Completion{}, fmt.Errorf("ollama chat: %s", response.Error)
	}
	return domain.Completion{
		Text:  strings.TrimSpace(response.Message.Content),
		Usage: response.usage(),
		Model: firstNonEmpty(response.Model, request.Model),
	}, nil
}

// Stream forwards content deltas to onChunk as they arrive. A failed attempt is
// only retried while nothing has been forwarded yet.
func (m *ChatModel) Stream(ctx context.Context, messages []domain.ChatMessage, cfg domain.GenerationConfig, onChunk func(string) error) (domain.Completion, error) {
	request := m.request(messages, cfg, true)

	var (
		text    strings.Builder
		final   chatResponse
		emitted bool
	)
	stream := func(callCtx context.Context) error {
		text.Reset()
		final = chatResponse{}
		return m.client.postStream(callCtx, "/api/chat", request, "chat stream", func(line []byte) error {
			var part chatResponse
			if err := json.Unmarshal(line, &part); err != nil {
				return fmt.Errorf("decode chat stream line: %w", err)
			}
			if part.Error != "" {
				return fmt.Errorf("ollama chat stream: %s", part.Error)
			}
			if delta := part.Message.Content; delta != "" {
				text.WriteString(delta)
				emitted = true
				if err := onChunk(delta); err != nil {
					return err
				}
			}
			if part.Done {
				final = part
			}
			return nil
		})
	}

	var err error
	if m.client.executor == nil {
		err = stream(ctx)
	} else {
		err = m.client.executor.Execute(ctx, "ollama.chat_stream", stream, func(err error) resilience.ErrorClassification {
			class := classifyOllamaError(err)
			if emitted {
				class.Retryable = false
			}
			return class
		})
	}
	if err != nil {
		return domain.Completion{}, wrapTemporaryIfNeeded("ollama chat stream", err)
	}

	return domain.Completion{
		Text:  strings.TrimSpace(text.String()),
		Usage: final.usage(),
		Model: firstNonEmpty(final.Model, request.Model),
	}, nil
}

func (m *ChatModel) request(messages []domain.ChatMessage, cfg domain.GenerationConfig, stream bool) chatRequest {
	out := chatRequest{
		Model:  firstNonEmpty(cfg.Model, m.client.chatModel),
		Stream: stream,
		Options: chatOptions{
			Temperature: cfg.Temperature,
			NumPredict:  cfg.MaxOutputTokens,
		},
		KeepAlive: m.client.keepAlive,
		Messages:  make([]chatMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		out.Messages = append(out.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
