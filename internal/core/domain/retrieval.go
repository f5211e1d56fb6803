package domain

// Query is one user question entering the pipeline.
type Query struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	TurnIndex      int    `json:"turn_index"`
}

// SourceMetadata holds the stored fields of an index entry as retrieved.
type SourceMetadata struct {
	Question         string `json:"question"`
	Answer           string `json:"answer,omitempty"`
	ExtractiveAnswer string `json:"extractive_answer,omitempty"`
	Article          string `json:"article,omitempty"`
	Document         string `json:"document,omitempty"`
}

// StoredAnswer returns the best verbatim answer text kept for the entry.
func (m SourceMetadata) StoredAnswer() string {
	if m.Answer != "" {
		return m.Answer
	}
	return m.ExtractiveAnswer
}

// SearchHit is a raw scored hit returned by one search signal.
type SearchHit struct {
	DocumentID string         `json:"document_id"`
	Text       string         `json:"text"`
	Score      float64        `json:"score"`
	Source     SourceMetadata `json:"source"`
}

// IndexDocument is an entry loaded into an in-process search index.
type IndexDocument struct {
	ID     string         `json:"id"`
	Text   string         `json:"context"`
	Source SourceMetadata `json:"source"`
}

type Candidate struct {
	DocumentID   string         `json:"document_id"`
	Text         string         `json:"text"`
	LexicalScore float64        `json:"lexical_score"`
	VectorScore  float64        `json:"vector_score"`
	FusedScore   float64        `json:"fused_score"`
	RerankScore  *float64       `json:"rerank_score,omitempty"`
	Source       SourceMetadata `json:"source"`

	// LexicalRank is the zero-based position in the lexical hit list, -1 when absent.
	LexicalRank int `json:"-"`
}

// Score returns the last score assigned by the pipeline.
func (c Candidate) Score() float64 {
	if c.RerankScore != nil {
		return *c.RerankScore
	}
	return c.FusedScore
}

// WithRerankScore returns a copy annotated with a rerank score.
func (c Candidate) WithRerankScore(score float64) Candidate {
	c.RerankScore = &score
	return c
}

type Evidence struct {
	Candidate
	Turn      int  `json:"turn"`
	Truncated bool `json:"truncated,omitempty"`
}

// EvidenceSet is the token-bounded, provenance-tagged context given to the generator.
type EvidenceSet struct {
	Items      []Evidence `json:"items"`
	TokenCount int        `json:"token_count"`
	Budget     int        `json:"budget"`
}

func (s EvidenceSet) Empty() bool {
	return len(s.Items) == 0
}

// Top returns at most n items in set order.
func (s EvidenceSet) Top(n int) []Evidence {
	if n <= 0 || n >= len(s.Items) {
		return s.Items
	}
	return s.Items[:n]
}

// FusionWeights controls hybrid score fusion.
type FusionWeights struct {
	Lexical float64 `json:"lexical"`
	Vector  float64 `json:"vector"`
}

func DefaultFusionWeights() FusionWeights {
	return FusionWeights{Lexical: 0.3, Vector: 0.7}
}

// Normalize rescales the weights to sum to one. Invalid input yields the defaults.
func (w FusionWeights) Normalize() FusionWeights {
	if w.Lexical < 0 || w.Vector < 0 {
		return DefaultFusionWeights()
	}
	sum := w.Lexical + w.Vector
	if sum <= 0 {
		return DefaultFusionWeights()
	}
	return FusionWeights{Lexical: w.Lexical / sum, Vector: w.Vector / sum}
}

type RetrievalReport struct {
	LexicalHits  int    `json:"lexical_hits"`
	VectorHits   int    `json:"vector_hits"`
	Degraded     bool   `json:"degraded"`
	LexicalError string `json:"lexical_error,omitempty"`
	VectorError  string `json:"vector_error,omitempty"`
	CacheHit     bool   `json:"cache_hit,omitempty"`
}

type RerankReport struct {
	Skipped      bool   `json:"skipped"`
	SkipReason   string `json:"skip_reason,omitempty"`
	FallbackUsed bool   `json:"fallback_used"`
	Error        string `json:"error,omitempty"`
}
