package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgxpool.Pool used by the query layer.
// Satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// sessionRow is the database shape of a session.
type sessionRow struct {
	ID             pgtype.UUID
	Email          string
	CreatedAt      pgtype.Timestamptz
	ExpiresAt      pgtype.Timestamptz
	LastMessageAt  pgtype.Timestamptz
	QuotaRemaining int32
	QuotaTotal     int32
}

// turnRow is the database shape of a conversation turn.
type turnRow struct {
	Role      string
	Content   string
	CreatedAt pgtype.Timestamptz
}

// PGQuerier implements Querier against PostgreSQL.
type PGQuerier struct {
	db DBTX
}

// NewQuerier creates a PGQuerier backed by the given pool or transaction.
func NewQuerier(db DBTX) *PGQuerier {
	return &PGQuerier{db: db}
}

const insertSessionSQL = `
INSERT INTO sessions (email, expires_at, quota_remaining, quota_total)
VALUES ($1, $2, $3, $3)
RETURNING id, email, created_at, expires_at, last_message_at, quota_remaining, quota_total`

func (q *PGQuerier) InsertSession(ctx context.Context, email string, expiresAt time.Time, quota int32) (sessionRow, error) {
	var row sessionRow
	err := q.db.QueryRow(ctx, insertSessionSQL, email, expiresAt, quota).Scan(
		&row.ID, &row.Email, &row.CreatedAt, &row.ExpiresAt,
		&row.LastMessageAt, &row.QuotaRemaining, &row.QuotaTotal)
	return row, err
}

const getSessionSQL = `
SELECT id, email, created_at, expires_at, last_message_at, quota_remaining, quota_total
FROM sessions
WHERE id = $1`

func (q *PGQuerier) GetSession(ctx context.Context, id pgtype.UUID) (sessionRow, error) {
	var row sessionRow
	err := q.db.QueryRow(ctx, getSessionSQL, id).Scan(
		&row.ID, &row.Email, &row.CreatedAt, &row.ExpiresAt,
		&row.LastMessageAt, &row.QuotaRemaining, &row.QuotaTotal)
	return row, err
}

const latestSessionByEmailSQL = `
SELECT id, email, created_at, expires_at, last_message_at, quota_remaining, quota_total
FROM sessions
WHERE email = $1 AND expires_at > $2
ORDER BY created_at DESC
LIMIT 1`

func (q *PGQuerier) LatestSessionByEmail(ctx context.Context, email string, now time.Time) (sessionRow, error) {
	var row sessionRow
	err := q.db.QueryRow(ctx, latestSessionByEmailSQL, email, now).Scan(
		&row.ID, &row.Email, &row.CreatedAt, &row.ExpiresAt,
		&row.LastMessageAt, &row.QuotaRemaining, &row.QuotaTotal)
	return row, err
}

// admitSessionSQL is the single atomic admit-and-decrement step.
// The WHERE clause re-checks expiry, quota and the inter-message cutoff, so
// concurrent admits for the same session cannot both decrement past zero.
const admitSessionSQL = `
UPDATE sessions
SET quota_remaining = quota_remaining - 1, last_message_at = $2
WHERE id = $1
  AND expires_at > $2
  AND quota_remaining > 0
  AND (last_message_at IS NULL OR last_message_at <= $3)`

func (q *PGQuerier) AdmitSession(ctx context.Context, id pgtype.UUID, now, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, admitSessionSQL, id, now, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const insertTurnSQL = `
INSERT INTO turns (session_id, role, content, created_at)
VALUES ($1, $2, $3, $4)`

func (q *PGQuerier) InsertTurn(ctx context.Context, sessionID pgtype.UUID, role, content string, createdAt time.Time) error {
	_, err := q.db.Exec(ctx, insertTurnSQL, sessionID, role, content, createdAt)
	return err
}

// recentTurnsSQL fetches the newest rows first; the store reverses them into
// chronological order.
const recentTurnsSQL = `
SELECT role, content, created_at
FROM turns
WHERE session_id = $1
ORDER BY id DESC
LIMIT $2`

func (q *PGQuerier) RecentTurns(ctx context.Context, sessionID pgtype.UUID, limit int32) ([]turnRow, error) {
	rows, err := q.db.Query(ctx, recentTurnsSQL, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []turnRow
	for rows.Next() {
		var row turnRow
		if err := rows.Scan(&row.Role, &row.Content, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// uuidToPgUUID converts uuid.UUID to pgtype.UUID.
func uuidToPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{
		Bytes: id,
		Valid: true,
	}
}

// pgUUIDToUUID converts pgtype.UUID to uuid.UUID.
func pgUUIDToUUID(pgUUID pgtype.UUID) uuid.UUID {
	if !pgUUID.Valid {
		return uuid.Nil
	}
	return pgUUID.Bytes
}
