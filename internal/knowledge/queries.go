package knowledge

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
)

// DBTX is the subset of pgx operations the queries need.
// Satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	upsertDocumentSQL = `
INSERT INTO documents (id, content, embedding, metadata, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET content = EXCLUDED.content,
    embedding = EXCLUDED.embedding,
    metadata = EXCLUDED.metadata`

	searchDocumentsSQL = `
SELECT id, content, metadata, created_at, embedding <=> $1 AS distance
FROM documents
WHERE metadata @> $2
ORDER BY embedding <=> $1
LIMIT $3`

	searchDocumentsAllSQL = `
SELECT id, content, metadata, created_at, embedding <=> $1 AS distance
FROM documents
ORDER BY embedding <=> $1
LIMIT $2`

	countDocumentsSQL = `SELECT COUNT(*) FROM documents WHERE metadata @> $1`

	countDocumentsAllSQL = `SELECT COUNT(*) FROM documents`

	countByMetadataKeySQL = `
SELECT COALESCE(metadata->>$1, 'uncategorized') AS value, COUNT(*)
FROM documents
GROUP BY 1
ORDER BY 1`

	deleteDocumentSQL = `DELETE FROM documents WHERE id = $1`
)

// documentRow is the database shape of a stored document.
type documentRow struct {
	ID        string
	Content   string
	Metadata  []byte
	CreatedAt pgtype.Timestamptz
	Distance  float64
}

// PGQuerier implements Querier against PostgreSQL with pgvector.
type PGQuerier struct {
	db DBTX
}

// NewQuerier creates a PGQuerier backed by db.
func NewQuerier(db DBTX) *PGQuerier {
	return &PGQuerier{db: db}
}

func (q *PGQuerier) UpsertDocument(ctx context.Context, id, content string, embedding pgvector.Vector, metadata []byte, createdAt pgtype.Timestamptz) error {
	_, err := q.db.Exec(ctx, upsertDocumentSQL, id, content, embedding, metadata, createdAt)
	return err
}

func (q *PGQuerier) SearchDocuments(ctx context.Context, embedding pgvector.Vector, filterMetadata []byte, limit int32) ([]documentRow, error) {
	rows, err := q.db.Query(ctx, searchDocumentsSQL, embedding, filterMetadata, limit)
	if err != nil {
		return nil, err
	}
	return scanDocumentRows(rows)
}

func (q *PGQuerier) SearchDocumentsAll(ctx context.Context, embedding pgvector.Vector, limit int32) ([]documentRow, error) {
	rows, err := q.db.Query(ctx, searchDocumentsAllSQL, embedding, limit)
	if err != nil {
		return nil, err
	}
	return scanDocumentRows(rows)
}

func (q *PGQuerier) CountDocuments(ctx context.Context, filterMetadata []byte) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, countDocumentsSQL, filterMetadata).Scan(&count)
	return count, err
}

func (q *PGQuerier) CountDocumentsAll(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, countDocumentsAllSQL).Scan(&count)
	return count, err
}

func (q *PGQuerier) CountByMetadataKey(ctx context.Context, key string) (map[string]int64, error) {
	rows, err := q.db.Query(ctx, countByMetadataKeySQL, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			value string
			count int64
		)
		if err := rows.Scan(&value, &count); err != nil {
			return nil, err
		}
		counts[value] = count
	}
	return counts, rows.Err()
}

func (q *PGQuerier) DeleteDocument(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, deleteDocumentSQL, id)
	return err
}

func scanDocumentRows(rows pgx.Rows) ([]documentRow, error) {
	defer rows.Close()

	var out []documentRow
	for rows.Next() {
		var row documentRow
		if err := rows.Scan(&row.ID, &row.Content, &row.Metadata, &row.CreatedAt, &row.Distance); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
