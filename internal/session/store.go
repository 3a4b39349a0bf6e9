package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/folio-ai/folio/internal/log"
)

// Querier defines the interface for database operations on sessions and turns.
// Following Go best practices: interfaces are defined by the consumer, not the provider.
//
// This interface allows Store to depend on abstraction rather than concrete
// implementation, improving testability and flexibility.
type Querier interface {
	// Session operations
	InsertSession(ctx context.Context, email string, expiresAt time.Time, quota int32) (sessionRow, error)
	GetSession(ctx context.Context, id pgtype.UUID) (sessionRow, error)
	LatestSessionByEmail(ctx context.Context, email string, now time.Time) (sessionRow, error)
	AdmitSession(ctx context.Context, id pgtype.UUID, now, cutoff time.Time) (int64, error)

	// Turn operations
	InsertTurn(ctx context.Context, sessionID pgtype.UUID, role, content string, createdAt time.Time) error
	RecentTurns(ctx context.Context, sessionID pgtype.UUID, limit int32) ([]turnRow, error)
}

// Config holds the session policy knobs.
type Config struct {
	Quota         int           // lifetime message quota per session
	TTL           time.Duration // session validity window from creation
	MinInterval   time.Duration // minimum wait between two accepted messages
	HistoryWindow int           // number of recent turns exposed to the pipeline
}

// Store manages session persistence with a PostgreSQL backend.
// It owns admission control (quota, rate floor, expiry) and the history window.
//
// Store is safe for concurrent use by multiple goroutines. Admission for one
// session is serialized by the database: the admit step is a single
// conditional UPDATE, so two concurrent admits can never both consume the
// last quota unit or both pass the inter-message floor.
type Store struct {
	querier Querier
	cfg     Config
	logger  log.Logger
}

// New creates a new Store instance.
func New(querier Querier, cfg Config, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		querier: querier,
		cfg:     cfg,
		logger:  logger,
	}
}

// Create returns a session for the given email address. If an unexpired
// session already exists for the email, it is returned instead of creating a
// new one, so reloading the chat page does not burn a fresh quota.
func (s *Store) Create(ctx context.Context, email string) (*Session, error) {
	now := time.Now()

	existing, err := s.querier.LatestSessionByEmail(ctx, email, now)
	switch {
	case err == nil:
		sess := rowToSession(existing)
		s.logger.Debug("reusing existing session", "id", sess.ID, "remaining", sess.QuotaRemaining)
		return sess, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to create
	default:
		return nil, fmt.Errorf("looking up session for %q: %w", email, err)
	}

	// Quota is bounded by config validation; int32 cannot overflow here.
	row, err := s.querier.InsertSession(ctx, email, now.Add(s.cfg.TTL), int32(s.cfg.Quota)) // #nosec G115
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	sess := rowToSession(row)
	s.logger.Info("created session", "id", sess.ID, "quota", sess.QuotaTotal)
	return sess, nil
}

// Get retrieves a session by ID. An expired session yields ErrSessionExpired.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	row, err := s.querier.GetSession(ctx, uuidToPgUUID(id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}

	sess := rowToSession(row)
	if sess.Expired(time.Now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Admit gates one inbound message for the session. On success the remaining
// quota has been decremented and the last-message timestamp updated, both in
// a single atomic statement.
//
// Rejections (checked with errors.Is):
//   - ErrSessionNotFound: no such session
//   - ErrSessionExpired:  past the expiry window
//   - ErrQuotaExhausted:  no remaining quota; quota is left unchanged
//   - ErrRateLimited (*RateLimitedError): message arrived before the
//     inter-message floor elapsed; RetryAfter carries the remaining wait
func (s *Store) Admit(ctx context.Context, id uuid.UUID, now time.Time) error {
	pgID := uuidToPgUUID(id)
	cutoff := now.Add(-s.cfg.MinInterval)

	affected, err := s.querier.AdmitSession(ctx, pgID, now, cutoff)
	if err != nil {
		return fmt.Errorf("admitting message for session %s: %w", id, err)
	}
	if affected == 1 {
		s.logger.Debug("message admitted", "session_id", id)
		return nil
	}

	// The conditional update matched nothing; re-read to name the reason.
	row, err := s.querier.GetSession(ctx, pgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("classifying rejection for session %s: %w", id, err)
	}

	sess := rowToSession(row)
	switch {
	case sess.Expired(now):
		return ErrSessionExpired
	case sess.QuotaRemaining <= 0:
		return ErrQuotaExhausted
	case sess.LastMessageAt != nil:
		elapsed := now.Sub(*sess.LastMessageAt)
		return NewRateLimitedError(s.cfg.MinInterval - elapsed)
	default:
		// Raced with a concurrent admit that moved last_message_at forward.
		return NewRateLimitedError(s.cfg.MinInterval)
	}
}

// AppendTurns appends turns to the session log in order. Turns are immutable
// once written; failures on a later turn leave earlier ones in place (the log
// is append-only, not transactional across a batch).
func (s *Store) AppendTurns(ctx context.Context, id uuid.UUID, turns ...Turn) error {
	pgID := uuidToPgUUID(id)
	for i, turn := range turns {
		if turn.Role != RoleUser && turn.Role != RoleAssistant {
			return fmt.Errorf("turn %d has invalid role %q", i, turn.Role)
		}
		at := turn.CreatedAt
		if at.IsZero() {
			at = time.Now()
		}
		if err := s.querier.InsertTurn(ctx, pgID, turn.Role, turn.Content, at); err != nil {
			return fmt.Errorf("appending turn %d: %w", i, err)
		}
	}
	s.logger.Debug("appended turns", "session_id", id, "count", len(turns))
	return nil
}

// Recent returns at most the configured window of latest turns, oldest first.
// Unknown sessions yield an empty slice, never an error: downstream stages
// treat missing history as an empty conversation.
func (s *Store) Recent(ctx context.Context, id uuid.UUID) ([]Turn, error) {
	// Window is bounded by config validation; int32 cannot overflow here.
	rows, err := s.querier.RecentTurns(ctx, uuidToPgUUID(id), int32(s.cfg.HistoryWindow)) // #nosec G115
	if err != nil {
		return nil, fmt.Errorf("loading recent turns for %s: %w", id, err)
	}

	// Rows come newest-first; reverse into chronological order.
	turns := make([]Turn, len(rows))
	for i, row := range rows {
		turns[len(rows)-1-i] = Turn{
			Role:      row.Role,
			Content:   row.Content,
			CreatedAt: row.CreatedAt.Time,
		}
	}
	return turns, nil
}

// rowToSession converts a database row to the application type.
func rowToSession(row sessionRow) *Session {
	sess := &Session{
		ID:             pgUUIDToUUID(row.ID),
		Email:          row.Email,
		CreatedAt:      row.CreatedAt.Time,
		ExpiresAt:      row.ExpiresAt.Time,
		QuotaRemaining: int(row.QuotaRemaining),
		QuotaTotal:     int(row.QuotaTotal),
	}
	if row.LastMessageAt.Valid {
		t := row.LastMessageAt.Time
		sess.LastMessageAt = &t
	}
	return sess
}
