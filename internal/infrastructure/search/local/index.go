package local

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/coder/hnsw"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const analyzerName = "vi_words"

// ErrEmptyIndex is returned by Ping before any document is loaded.
var ErrEmptyIndex = errors.New("local index is empty")

// fieldBoosts mirror the multi-field BM25 query: question matches count double.
var fieldBoosts = []struct {
	field string
	boost float64
}{
	{"question", 2},
	{"context", 1},
	{"extractive_answer", 1},
	{"answer", 1},
}

type bleveDocument struct {
	Question         string `json:"question"`
	Context          string `json:"context"`
	ExtractiveAnswer string `json:"extractive_answer"`
	Answer           string `json:"answer"`
}

// Index is an in-process SearchIndex: bleve BM25 for the lexical signal and an
// HNSW cosine graph for the vector signal.
type Index struct {
	mu      sync.RWMutex
	bm25    bleve.Index
	graph   *hnsw.Graph[uint64]
	docs    map[string]domain.IndexDocument
	keys    map[uint64]string
	nextKey uint64
	dims    int
}

func New() (*Index, error) {
	indexMapping, err := newIndexMapping()
	if err != nil {
		return nil, err
	}
	bm25, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("create bm25 index: %w", err)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25

	return &Index{
		bm25:  bm25,
		graph: graph,
		docs:  make(map[string]domain.IndexDocument),
		keys:  make(map[uint64]string),
	}, nil
}

func newIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(analyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("add analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = analyzerName
	return indexMapping, nil
}

// Add indexes documents and their dense vectors. Vectors are typically
// embeddings of the stored question.
func (x *Index) Add(ctx context.Context, docs []domain.IndexDocument, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return fmt.Errorf("documents/vectors mismatch: %d vs %d", len(docs), len(vectors))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	dims := x.dims
	if dims == 0 {
		dims = len(vectors[0])
	}
	seen := make(map[string]struct{}, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
		if len(vectors[i]) != dims {
			return fmt.Errorf("document %s: vector has %d dims, index has %d", doc.ID, len(vectors[i]), dims)
		}
		if _, exists := x.docs[doc.ID]; exists {
			return fmt.Errorf("duplicate document id %s", doc.ID)
		}
		if _, exists := seen[doc.ID]; exists {
			return fmt.Errorf("duplicate document id %s", doc.ID)
		}
		seen[doc.ID] = struct{}{}
	}

	batch := x.bm25.NewBatch()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := batch.Index(doc.ID, bleveDocument{
			Question:         doc.Source.Question,
			Context:          doc.Text,
			ExtractiveAnswer: doc.Source.ExtractiveAnswer,
			Answer:           doc.Source.Answer,
		}); err != nil {
			return fmt.Errorf("index document %s: %w", doc.ID, err)
		}
	}
	if err := x.bm25.Batch(batch); err != nil {
		return fmt.Errorf("execute bm25 batch: %w", err)
	}

	x.dims = dims
	for i, doc := range docs {
		key := x.nextKey
		x.nextKey++
		x.graph.Add(hnsw.MakeNode(key, normalized(vectors[i])))
		x.keys[key] = doc.ID
		x.docs[doc.ID] = doc
	}
	return nil
}

func (x *Index) LexicalQuery(ctx context.Context, text string, limit int) ([]domain.SearchHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	queries := make([]query.Query, 0, len(fieldBoosts))
	for _, fb := range fieldBoosts {
		mq := bleve.NewMatchQuery(text)
		mq.SetField(fb.field)
		mq.SetBoost(fb.boost)
		queries = append(queries, mq)
	}
	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), limit, 0, false)

	result, err := x.bm25.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]domain.SearchHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		doc, ok := x.docs[hit.ID]
		if !ok {
			continue
		}
		out = append(out, toHit(doc, hit.Score))
	}
	return out, nil
}

func (x *Index) VectorQuery(ctx context.Context, vector []float32, limit int) ([]domain.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph.Len() == 0 {
		return nil, nil
	}
	if len(vector) != x.dims {
		return nil, fmt.Errorf("query vector has %d dims, index has %d", len(vector), x.dims)
	}

	q := normalized(vector)
	nodes := x.graph.Search(q, limit)
	out := make([]domain.SearchHit, 0, len(nodes))
	for _, node := range nodes {
		id, ok := x.keys[node.Key]
		if !ok {
			continue
		}
		similarity := 1 - float64(x.graph.Distance(q, node.Value))
		out = append(out, toHit(x.docs[id], similarity))
	}
	return out, nil
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

func (x *Index) Ping(context.Context) error {
	if x.Len() == 0 {
		return ErrEmptyIndex
	}
	return nil
}

func (x *Index) Close() error {
	return x.bm25.Close()
}

func toHit(doc domain.IndexDocument, score float64) domain.SearchHit {
	return domain.SearchHit{
		DocumentID: doc.ID,
		Text:       doc.Text,
		Score:      score,
		Source:     doc.Source,
	}
}

func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := float32(math.Sqrt(sum))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
