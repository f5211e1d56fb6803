package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type batchEmbedderFake struct {
	batches [][]string
	err     error
}

func (f *batchEmbedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

const datasetFixture = `{"question":"Học phí là bao nhiêu?","context":"Học phí 25 triệu.","abstractive_answer":"25 triệu đồng.","extractive_answer":"25 triệu","article":"Điều 5","document":"Quy định học phí"}

{"id":"custom-1","question":"Ký túc xá?","context":"Có ký túc xá."}
{"question":"  ","context":"  "}
`

func TestReadDataset(t *testing.T) {
	docs, err := ReadDataset(strings.NewReader(datasetFixture))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "qa_000000", docs[0].ID)
	assert.Equal(t, "Học phí 25 triệu.", docs[0].Text)
	assert.Equal(t, "25 triệu đồng.", docs[0].Source.Answer)
	assert.Equal(t, "25 triệu", docs[0].Source.ExtractiveAnswer)
	assert.Equal(t, "Quy định học phí", docs[0].Source.Document)
	assert.Equal(t, "custom-1", docs[1].ID)
}

func TestReadDatasetReportsLine(t *testing.T) {
	_, err := ReadDataset(strings.NewReader("{\"question\":\"a\"}\n{broken\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestEmbedDocumentsBatchesQuestions(t *testing.T) {
	docs := make([]domain.IndexDocument, embedBatchSize+3)
	for i := range docs {
		docs[i] = domain.IndexDocument{ID: "d", Text: "context", Source: domain.SourceMetadata{Question: "q"}}
	}
	docs[len(docs)-1].Source.Question = ""

	embedder := &batchEmbedderFake{}
	vectors, err := EmbedDocuments(context.Background(), embedder, docs)
	require.NoError(t, err)
	assert.Len(t, vectors, len(docs))
	require.Len(t, embedder.batches, 2)
	assert.Len(t, embedder.batches[0], embedBatchSize)
	assert.Equal(t, "context", embedder.batches[1][2], "question falls back to context")
}

func TestLoadFillsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(datasetFixture), 0o600))

	idx, err := New()
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Load(context.Background(), path, &batchEmbedderFake{}))
	assert.Equal(t, 2, idx.Len())

	hits, err := idx.LexicalQuery(context.Background(), "ký túc xá", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "custom-1", hits[0].DocumentID)
}

func TestLoadPropagatesEmbedError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(datasetFixture), 0o600))

	idx, err := New()
	require.NoError(t, err)
	defer idx.Close()

	errDown := errors.New("embed down")
	err = idx.Load(context.Background(), path, &batchEmbedderFake{err: errDown})
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 0, idx.Len())
}
