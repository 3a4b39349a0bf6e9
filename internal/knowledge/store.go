// Package knowledge manages the semantic half of profile retrieval: narrative
// chunks embedded with Gemini and stored in PostgreSQL with pgvector.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"github.com/folio-ai/folio/internal/log"
)

// searchTimeout bounds one embed-plus-search round trip.
const searchTimeout = 10 * time.Second

// Querier defines the interface for database operations on documents.
// Following Go best practices: interfaces are defined by the consumer, not
// the provider (similar to http.RoundTripper, sql.Driver, io.Reader).
type Querier interface {
	// UpsertDocument inserts or updates a document with its embedding
	UpsertDocument(ctx context.Context, id, content string, embedding pgvector.Vector, metadata []byte, createdAt pgtype.Timestamptz) error

	// SearchDocuments performs filtered vector search
	SearchDocuments(ctx context.Context, embedding pgvector.Vector, filterMetadata []byte, limit int32) ([]documentRow, error)

	// SearchDocumentsAll performs unfiltered vector search
	SearchDocumentsAll(ctx context.Context, embedding pgvector.Vector, limit int32) ([]documentRow, error)

	// CountDocuments counts documents matching filter
	CountDocuments(ctx context.Context, filterMetadata []byte) (int64, error)

	// CountDocumentsAll counts all documents
	CountDocumentsAll(ctx context.Context) (int64, error)

	// CountByMetadataKey counts documents grouped by a metadata value
	CountByMetadataKey(ctx context.Context, key string) (map[string]int64, error)

	// DeleteDocument deletes a document by ID
	DeleteDocument(ctx context.Context, id string) error
}

// Store manages profile documents with vector search capabilities.
// It handles embedding generation and vector similarity search using
// PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	queries  Querier
	embedder ai.Embedder
	logger   log.Logger
}

// New creates a new Store instance.
func New(querier Querier, embedder ai.Embedder, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		queries:  querier,
		embedder: embedder,
		logger:   logger,
	}
}

// Add adds a document to the store. The content is embedded with the
// configured embedder; an existing document with the same ID is replaced.
func (s *Store) Add(ctx context.Context, doc Document) error {
	embedding, err := s.embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding document %q: %w", doc.ID, err)
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata for %q: %w", doc.ID, err)
	}

	createdAt := pgtype.Timestamptz{
		Time:  doc.CreateAt,
		Valid: !doc.CreateAt.IsZero(),
	}
	if !createdAt.Valid {
		createdAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	}

	if err := s.queries.UpsertDocument(ctx, doc.ID, doc.Content, embedding, metadataJSON, createdAt); err != nil {
		return fmt.Errorf("upserting document %q: %w", doc.ID, err)
	}

	s.logger.Debug("added document", "id", doc.ID, "content_length", len(doc.Content))
	return nil
}

// Search returns the documents nearest to query by cosine distance, best
// first. Results are capped by WithTopK; WithFilter restricts on metadata.
// Callers wanting reranked output fetch an oversampled set here and pass it
// through Rerank.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	cfg := buildSearchConfig(opts)

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	embedding, err := s.embed(queryCtx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	// Filter values always travel through json.Marshal and a bind parameter;
	// user text never reaches query SQL.
	var rows []documentRow
	if len(cfg.filter) > 0 {
		filterJSON, marshalErr := json.Marshal(cfg.filter)
		if marshalErr != nil {
			return nil, fmt.Errorf("marshaling filter: %w", marshalErr)
		}
		rows, err = s.queries.SearchDocuments(queryCtx, embedding, filterJSON, int32(cfg.topK)) // #nosec G115 -- topK is a small config value
	} else {
		rows, err = s.queries.SearchDocumentsAll(queryCtx, embedding, int32(cfg.topK)) // #nosec G115
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search query timeout: %w", err)
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return s.rowsToResults(rows), nil
}

// Count returns the number of documents matching the given filter.
// A nil or empty filter counts everything.
func (s *Store) Count(ctx context.Context, filter map[string]string) (int, error) {
	var (
		count int64
		err   error
	)
	if len(filter) > 0 {
		filterJSON, marshalErr := json.Marshal(filter)
		if marshalErr != nil {
			return 0, fmt.Errorf("marshaling filter: %w", marshalErr)
		}
		count, err = s.queries.CountDocuments(ctx, filterJSON)
	} else {
		count, err = s.queries.CountDocumentsAll(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}

	if count > math.MaxInt {
		return 0, fmt.Errorf("document count %d exceeds platform int capacity", count)
	}
	return int(count), nil
}

// Stats returns document counts grouped by the category metadata value.
// Documents without a category land under "uncategorized".
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	counts, err := s.queries.CountByMetadataKey(ctx, "category")
	if err != nil {
		return nil, fmt.Errorf("stats failed: %w", err)
	}
	return counts, nil
}

// Delete removes a document from the store.
func (s *Store) Delete(ctx context.Context, docID string) error {
	if err := s.queries.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("deleting document %q: %w", docID, err)
	}
	s.logger.Debug("deleted document", "id", docID)
	return nil
}

func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, errors.New("empty embedding returned")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}

func (s *Store) rowsToResults(rows []documentRow) []Result {
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]string
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			s.logger.Warn("failed to parse metadata", "document_id", row.ID, "error", err)
			metadata = make(map[string]string)
		}

		var createAt time.Time
		if row.CreatedAt.Valid {
			createAt = row.CreatedAt.Time
		}

		results = append(results, Result{
			Document: Document{
				ID:       row.ID,
				Content:  row.Content,
				Metadata: metadata,
				CreateAt: createAt,
			},
			// Cosine distance is in [0, 2]; similarity mirrors it into [-1, 1].
			Similarity: float32(1 - row.Distance),
		})
	}
	return results
}
