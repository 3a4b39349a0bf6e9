package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgx operations the queries need.
// Satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Every statement in the catalog is a fixed template; only values travel as
// parameters. Model output never reaches query text.
const (
	factColumns = `id, category, title, body, metadata, started_on, ended_on, created_at`

	countByCategorySQL = `SELECT COUNT(*) FROM profile_facts WHERE category = $1`

	listByCategorySQL = `
SELECT ` + factColumns + `
FROM profile_facts
WHERE category = $1
ORDER BY started_on DESC NULLS LAST, id
LIMIT $2`

	latestByCategorySQL = `
SELECT ` + factColumns + `
FROM profile_facts
WHERE category = $1
ORDER BY started_on DESC NULLS LAST, id
LIMIT 1`

	byYearSQL = `
SELECT ` + factColumns + `
FROM profile_facts
WHERE category = $1
  AND started_on IS NOT NULL
  AND EXTRACT(YEAR FROM started_on) <= $2
  AND (ended_on IS NULL OR EXTRACT(YEAR FROM ended_on) >= $2)
ORDER BY started_on DESC, id
LIMIT $3`

	contactSQL = `
SELECT ` + factColumns + `
FROM profile_facts
WHERE category = 'contact'
ORDER BY id
LIMIT $1`

	insertFactSQL = `
INSERT INTO profile_facts (category, title, body, metadata, started_on, ended_on)
VALUES ($1, $2, $3, $4, $5, $6)`
)

// PGQuerier implements Querier against PostgreSQL.
type PGQuerier struct {
	db DBTX
}

// NewQuerier creates a PGQuerier backed by db.
func NewQuerier(db DBTX) *PGQuerier {
	return &PGQuerier{db: db}
}

func (q *PGQuerier) CountByCategory(ctx context.Context, category string) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, countByCategorySQL, category).Scan(&count)
	return count, err
}

func (q *PGQuerier) ListByCategory(ctx context.Context, category string, limit int32) ([]Fact, error) {
	rows, err := q.db.Query(ctx, listByCategorySQL, category, limit)
	if err != nil {
		return nil, err
	}
	return scanFacts(rows)
}

func (q *PGQuerier) LatestByCategory(ctx context.Context, category string) (Fact, error) {
	return scanFact(q.db.QueryRow(ctx, latestByCategorySQL, category))
}

func (q *PGQuerier) ByYear(ctx context.Context, category string, year, limit int32) ([]Fact, error) {
	rows, err := q.db.Query(ctx, byYearSQL, category, year, limit)
	if err != nil {
		return nil, err
	}
	return scanFacts(rows)
}

func (q *PGQuerier) Contact(ctx context.Context, limit int32) ([]Fact, error) {
	rows, err := q.db.Query(ctx, contactSQL, limit)
	if err != nil {
		return nil, err
	}
	return scanFacts(rows)
}

// KeywordMatch finds facts whose title or body contains any of the keywords,
// case-insensitively, optionally restricted to a category. The statement is
// assembled from fixed fragments; keywords are bound as parameters.
func (q *PGQuerier) KeywordMatch(ctx context.Context, category string, keywords []string, limit int32) ([]Fact, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + factColumns + ` FROM profile_facts WHERE (`)
	args := make([]any, 0, len(keywords)+2)
	for i, kw := range keywords {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		args = append(args, kw)
		fmt.Fprintf(&sb, "title ILIKE '%%' || $%d || '%%' OR body ILIKE '%%' || $%d || '%%'", len(args), len(args))
	}
	sb.WriteString(")")
	if category != "" {
		args = append(args, category)
		fmt.Fprintf(&sb, " AND category = $%d", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY started_on DESC NULLS LAST, id LIMIT $%d", len(args))

	rows, err := q.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return scanFacts(rows)
}

func (q *PGQuerier) InsertFact(ctx context.Context, fact Fact) error {
	_, err := q.db.Exec(ctx, insertFactSQL,
		fact.Category, fact.Title, fact.Body, fact.Metadata,
		dateOrNil(fact.StartedOn), dateOrNil(fact.EndedOn))
	return err
}

type factScanner interface {
	Scan(dest ...any) error
}

func scanFact(row factScanner) (Fact, error) {
	var (
		fact      Fact
		startedOn pgtype.Date
		endedOn   pgtype.Date
		createdAt pgtype.Timestamptz
	)
	err := row.Scan(&fact.ID, &fact.Category, &fact.Title, &fact.Body,
		&fact.Metadata, &startedOn, &endedOn, &createdAt)
	if err != nil {
		return Fact{}, err
	}
	if startedOn.Valid {
		t := startedOn.Time
		fact.StartedOn = &t
	}
	if endedOn.Valid {
		t := endedOn.Time
		fact.EndedOn = &t
	}
	fact.CreatedAt = createdAt.Time
	return fact, nil
}

func scanFacts(rows pgx.Rows) ([]Fact, error) {
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func dateOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return pgtype.Date{Time: *t, Valid: true}
}
