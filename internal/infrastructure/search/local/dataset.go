package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const embedBatchSize = 32

// BatchEmbedder embeds many texts in one backend call.
type BatchEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// datasetRecord is one line of the admissions Q&A dataset.
type datasetRecord struct {
	ID                string `json:"id"`
	Question          string `json:"question"`
	Context           string `json:"context"`
	Article           string `json:"article"`
	Document          string `json:"document"`
	ExtractiveAnswer  string `json:"extractive_answer"`
	AbstractiveAnswer string `json:"abstractive_answer"`
}

// ReadDataset parses JSON Lines records into index documents. Records without
// an id get a positional qa_NNNNNN id.
func ReadDataset(r io.Reader) ([]domain.IndexDocument, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var docs []domain.IndexDocument
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec datasetRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		if strings.TrimSpace(rec.Question) == "" && strings.TrimSpace(rec.Context) == "" {
			continue
		}
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			id = fmt.Sprintf("qa_%06d", len(docs))
		}
		docs = append(docs, domain.IndexDocument{
			ID:   id,
			Text: strings.TrimSpace(rec.Context),
			Source: domain.SourceMetadata{
				Question:         strings.TrimSpace(rec.Question),
				Answer:           strings.TrimSpace(rec.AbstractiveAnswer),
				ExtractiveAnswer: strings.TrimSpace(rec.ExtractiveAnswer),
				Article:          strings.TrimSpace(rec.Article),
				Document:         strings.TrimSpace(rec.Document),
			},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return docs, nil
}

func ReadDatasetFile(path string) ([]domain.IndexDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return ReadDataset(f)
}

// EmbedDocuments embeds each document's question (falling back to its text) in batches.
func EmbedDocuments(ctx context.Context, embedder BatchEmbedder, docs []domain.IndexDocument) ([][]float32, error) {
	vectors := make([][]float32, 0, len(docs))
	for start := 0; start < len(docs); start += embedBatchSize {
		end := min(start+embedBatchSize, len(docs))
		texts := make([]string, 0, end-start)
		for _, doc := range docs[start:end] {
			text := doc.Source.Question
			if strings.TrimSpace(text) == "" {
				text = doc.Text
			}
			texts = append(texts, text)
		}
		batch, err := embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed documents %d-%d: %w", start, end, err)
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("embed documents %d-%d: got %d vectors", start, end, len(batch))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// Load reads the dataset, embeds it and fills the index.
func (x *Index) Load(ctx context.Context, path string, embedder BatchEmbedder) error {
	docs, err := ReadDatasetFile(path)
	if err != nil {
		return err
	}
	vectors, err := EmbedDocuments(ctx, embedder, docs)
	if err != nil {
		return err
	}
	if err := x.Add(ctx, docs, vectors); err != nil {
		return err
	}
	slog.Info("local_index_loaded", "path", path, "documents", len(docs))
	return nil
}
