package domain

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig holds the per-call generation options.
type GenerationConfig struct {
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Streaming       bool    `json:"streaming"`
}

const (
	DefaultTemperature     = 0.7
	DefaultMaxOutputTokens = 500
)

// Normalize fills unset options and clamps temperature into [0,1].
func (c GenerationConfig) Normalize(defaultModel string) GenerationConfig {
	out := c
	if out.Model == "" {
		out.Model = defaultModel
	}
	if out.Temperature < 0 {
		out.Temperature = 0
	}
	if out.Temperature > 1 {
		out.Temperature = 1
	}
	if out.MaxOutputTokens <= 0 {
		out.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return out
}

// Completion is a backend response to one chat call.
type Completion struct {
	Text  string
	Usage TokenUsage
	Model string
}

type GenerationResult struct {
	AnswerText    string     `json:"answer"`
	Grounded      bool       `json:"grounded"`
	TokenUsage    TokenUsage `json:"token_usage"`
	LatencyMs     float64    `json:"latency_ms"`
	FallbackUsed  bool       `json:"fallback_used"`
	Caveat        string     `json:"caveat,omitempty"`
	NoEvidence    bool       `json:"no_evidence"`
	Model         string     `json:"model,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}
