package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/folio-ai/folio/internal/log"
)

// Querier defines the interface for profile fact lookups.
// Following Go best practices: interfaces are defined by the consumer.
type Querier interface {
	CountByCategory(ctx context.Context, category string) (int64, error)
	ListByCategory(ctx context.Context, category string, limit int32) ([]Fact, error)
	LatestByCategory(ctx context.Context, category string) (Fact, error)
	ByYear(ctx context.Context, category string, year, limit int32) ([]Fact, error)
	Contact(ctx context.Context, limit int32) ([]Fact, error)
	KeywordMatch(ctx context.Context, category string, keywords []string, limit int32) ([]Fact, error)
	InsertFact(ctx context.Context, fact Fact) error
}

// defaultLimit bounds how many facts one lookup can feed into a prompt.
const defaultLimit = 10

// Store answers structured profile questions from the fixed query catalog.
type Store struct {
	querier Querier
	logger  log.Logger
}

// New creates a new Store instance.
func New(querier Querier, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{querier: querier, logger: logger}
}

// Query resolves hints to one catalog entry and runs it. An empty result is
// not an error; callers treat it as "nothing structured to cite". The
// question text itself is only used as a keyword fallback when the hints
// carry no keywords of their own.
func (s *Store) Query(ctx context.Context, question string, hints Hints) ([]Fact, error) {
	if hints.Category != "" && !ValidCategory(hints.Category) {
		s.logger.Debug("discarding unknown category hint", "category", hints.Category)
		hints.Category = ""
	}

	switch {
	case hints.Category == CategoryContact:
		return s.querier.Contact(ctx, defaultLimit)

	case hints.WantCount && hints.Category != "":
		count, err := s.querier.CountByCategory(ctx, hints.Category)
		if err != nil {
			return nil, fmt.Errorf("counting %s facts: %w", hints.Category, err)
		}
		return []Fact{countFact(hints.Category, count)}, nil

	case hints.WantLatest && hints.Category != "":
		fact, err := s.querier.LatestByCategory(ctx, hints.Category)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("latest %s fact: %w", hints.Category, err)
		}
		return []Fact{fact}, nil

	case hints.Year != 0 && hints.Category != "":
		// Year is a calendar year parsed from the question; int32 is ample.
		facts, err := s.querier.ByYear(ctx, hints.Category, int32(hints.Year), defaultLimit) // #nosec G115
		if err != nil {
			return nil, fmt.Errorf("facts for year %d: %w", hints.Year, err)
		}
		return facts, nil

	case len(hints.Keywords) > 0:
		facts, err := s.querier.KeywordMatch(ctx, hints.Category, hints.Keywords, defaultLimit)
		if err != nil {
			return nil, fmt.Errorf("keyword match: %w", err)
		}
		return facts, nil

	case hints.Category != "":
		facts, err := s.querier.ListByCategory(ctx, hints.Category, defaultLimit)
		if err != nil {
			return nil, fmt.Errorf("listing %s facts: %w", hints.Category, err)
		}
		return facts, nil

	default:
		// No usable hints: fall back to matching significant question words.
		keywords := significantWords(question)
		if len(keywords) == 0 {
			return nil, nil
		}
		facts, err := s.querier.KeywordMatch(ctx, "", keywords, defaultLimit)
		if err != nil {
			return nil, fmt.Errorf("question keyword match: %w", err)
		}
		return facts, nil
	}
}

// Ingest writes facts to the store, validating categories first.
func (s *Store) Ingest(ctx context.Context, facts []Fact) error {
	for i, fact := range facts {
		if !ValidCategory(fact.Category) {
			return fmt.Errorf("fact %d: unknown category %q", i, fact.Category)
		}
		if fact.Title == "" {
			return fmt.Errorf("fact %d: empty title", i)
		}
		if err := s.querier.InsertFact(ctx, fact); err != nil {
			return fmt.Errorf("inserting fact %q: %w", fact.Title, err)
		}
	}
	s.logger.Info("ingested profile facts", "count", len(facts))
	return nil
}

// countFact synthesizes a citable fact for a count answer so counts flow
// through the same passage pipeline as records.
func countFact(category string, count int64) Fact {
	return Fact{
		Category: category,
		Title:    fmt.Sprintf("%s count", category),
		Body:     fmt.Sprintf("The profile lists %d %s record(s).", count, category),
	}
}

// significantWords extracts keywords worth matching from a question,
// dropping short function words.
func significantWords(question string) []string {
	var words []string
	for _, w := range strings.Fields(question) {
		w = strings.Trim(strings.ToLower(w), ".,!?;:\"'()")
		if len(w) >= 4 {
			words = append(words, w)
		}
		if len(words) == 5 {
			break
		}
	}
	return words
}
