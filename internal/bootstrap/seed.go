package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/search/local"
)

const seedBatchSize = 64

type IndexWriter interface {
	Upsert(ctx context.Context, docs []domain.IndexDocument, vectors [][]float32) error
}

// SeedIndex reads a JSONL dataset, embeds it and writes it to the index in batches.
// Point ids derive from document ids, so re-running it overwrites.
func SeedIndex(ctx context.Context, path string, embedder local.BatchEmbedder, writer IndexWriter) (int, error) {
	docs, err := local.ReadDatasetFile(path)
	if err != nil {
		return 0, err
	}

	written := 0
	for start := 0; start < len(docs); start += seedBatchSize {
		end := min(start+seedBatchSize, len(docs))
		batch := docs[start:end]

		vectors, err := local.EmbedDocuments(ctx, embedder, batch)
		if err != nil {
			return written, fmt.Errorf("embed seed batch at %d: %w", start, err)
		}
		if err := writer.Upsert(ctx, batch, vectors); err != nil {
			return written, fmt.Errorf("upsert seed batch at %d: %w", start, err)
		}
		written += len(batch)
	}

	slog.Info("search_index_seeded", "documents", written, "path", path)
	return written, nil
}
