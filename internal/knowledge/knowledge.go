// Package knowledge provides the semantic lookup capability injected into
// agent prompts. Documents (chart-tool guides, domain notes) are embedded
// and stored in PostgreSQL with pgvector; retrieval is cosine-similarity
// search formatted into a prompt-ready context block.
//
// Retrieval is optional enrichment: every error degrades to "no context",
// never to a failed turn.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/pgvector/pgvector-go"

	"github.com/vizier-ai/vizier/internal/conversation"
)

// DefaultTopK is the number of snippets injected into a prompt.
const DefaultTopK = 5

// maxSnippetLen bounds each snippet's contribution to the prompt.
const maxSnippetLen = 800

// Document is a stored knowledge document.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
	Score    float64 // similarity, only set on search results
}

// Store manages knowledge documents with vector search.
// Safe for concurrent use by multiple goroutines.
type Store struct {
	db       conversation.DBTX
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewStore creates a Store. logger may be nil.
func NewStore(db conversation.DBTX, embedder ai.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, logger: logger}
}

// Add upserts a document, embedding its content.
func (s *Store) Add(ctx context.Context, doc Document) error {
	embedding, err := s.embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding document %q: %w", doc.ID, err)
	}

	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata for %q: %w", doc.ID, err)
	}
	if doc.Metadata == nil {
		metaJSON = []byte("{}")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO knowledge_documents (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    metadata = EXCLUDED.metadata,
		    embedding = EXCLUDED.embedding,
		    updated_at = now()`,
		doc.ID, doc.Content, metaJSON, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("upserting document %q: %w", doc.ID, err)
	}

	s.logger.Debug("stored knowledge document", "id", doc.ID, "content_len", len(doc.Content))
	return nil
}

// Search returns the topK most similar documents to the query.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]Document, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	embedding, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM knowledge_documents
		ORDER BY embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc      Document
			metaJSON []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &metaJSON, &doc.Score); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
			s.logger.Warn("skipping document with malformed metadata", "id", doc.ID, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// RelevantContext retrieves and formats knowledge relevant to the query for
// prompt injection. Returns an empty string when nothing relevant is found
// or on any error.
func (s *Store) RelevantContext(ctx context.Context, query string) string {
	docs, err := s.Search(ctx, query, DefaultTopK)
	if err != nil {
		s.logger.Debug("knowledge search failed", "error", err)
		return ""
	}
	return FormatContext(docs)
}

// FormatContext renders search results as a prompt context block.
func FormatContext(docs []Document) string {
	if len(docs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant reference material:\n")
	for _, doc := range docs {
		content := doc.Content
		if len(content) > maxSnippetLen {
			content = content[:maxSnippetLen] + "..."
		}
		fmt.Fprintf(&b, "- %s\n", content)
	}
	return b.String()
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return resp.Embeddings[0].Embedding, nil
}
