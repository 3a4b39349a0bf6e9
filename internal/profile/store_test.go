package profile

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/folio-ai/folio/internal/log"
)

type mockQuerier struct {
	countFunc   func(ctx context.Context, category string) (int64, error)
	listFunc    func(ctx context.Context, category string, limit int32) ([]Fact, error)
	latestFunc  func(ctx context.Context, category string) (Fact, error)
	byYearFunc  func(ctx context.Context, category string, year, limit int32) ([]Fact, error)
	contactFunc func(ctx context.Context, limit int32) ([]Fact, error)
	keywordFunc func(ctx context.Context, category string, keywords []string, limit int32) ([]Fact, error)
	insertFunc  func(ctx context.Context, fact Fact) error
}

func (m *mockQuerier) CountByCategory(ctx context.Context, category string) (int64, error) {
	return m.countFunc(ctx, category)
}

func (m *mockQuerier) ListByCategory(ctx context.Context, category string, limit int32) ([]Fact, error) {
	return m.listFunc(ctx, category, limit)
}

func (m *mockQuerier) LatestByCategory(ctx context.Context, category string) (Fact, error) {
	return m.latestFunc(ctx, category)
}

func (m *mockQuerier) ByYear(ctx context.Context, category string, year, limit int32) ([]Fact, error) {
	return m.byYearFunc(ctx, category, year, limit)
}

func (m *mockQuerier) Contact(ctx context.Context, limit int32) ([]Fact, error) {
	return m.contactFunc(ctx, limit)
}

func (m *mockQuerier) KeywordMatch(ctx context.Context, category string, keywords []string, limit int32) ([]Fact, error) {
	return m.keywordFunc(ctx, category, keywords, limit)
}

func (m *mockQuerier) InsertFact(ctx context.Context, fact Fact) error {
	return m.insertFunc(ctx, fact)
}

func TestQuery_CountHint(t *testing.T) {
	querier := &mockQuerier{
		countFunc: func(_ context.Context, category string) (int64, error) {
			if category != CategoryProject {
				t.Errorf("category = %q, want project", category)
			}
			return 7, nil
		},
	}

	store := New(querier, log.NewNop())
	facts, err := store.Query(context.Background(), "how many projects?", Hints{
		Category:  CategoryProject,
		WantCount: true,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("len(facts) = %d, want 1 synthesized count fact", len(facts))
	}
	if !strings.Contains(facts[0].Body, "7") {
		t.Errorf("count fact body = %q, want it to carry the count", facts[0].Body)
	}
}

func TestQuery_LatestHint(t *testing.T) {
	querier := &mockQuerier{
		latestFunc: func(_ context.Context, category string) (Fact, error) {
			return Fact{Category: category, Title: "Current role"}, nil
		},
	}

	store := New(querier, log.NewNop())
	facts, err := store.Query(context.Background(), "where do they work now?", Hints{
		Category:   CategoryExperience,
		WantLatest: true,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(facts) != 1 || facts[0].Title != "Current role" {
		t.Errorf("facts = %+v, want single latest fact", facts)
	}
}

func TestQuery_LatestEmptyCategory(t *testing.T) {
	querier := &mockQuerier{
		latestFunc: func(_ context.Context, _ string) (Fact, error) {
			return Fact{}, pgx.ErrNoRows
		},
	}

	store := New(querier, log.NewNop())
	facts, err := store.Query(context.Background(), "latest project?", Hints{
		Category:   CategoryProject,
		WantLatest: true,
	})
	if err != nil {
		t.Fatalf("Query() error = %v, want empty result not error", err)
	}
	if len(facts) != 0 {
		t.Errorf("len(facts) = %d, want 0", len(facts))
	}
}

func TestQuery_ContactAlwaysContactCatalog(t *testing.T) {
	contactCalled := false
	querier := &mockQuerier{
		contactFunc: func(_ context.Context, _ int32) ([]Fact, error) {
			contactCalled = true
			return []Fact{{Category: CategoryContact, Title: "email"}}, nil
		},
	}

	store := New(querier, log.NewNop())
	// Even with count/latest flags set, contact lookups use the contact entry.
	facts, err := store.Query(context.Background(), "how to reach them?", Hints{
		Category:  CategoryContact,
		WantCount: true,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !contactCalled {
		t.Error("contact catalog entry was not used")
	}
	if len(facts) != 1 {
		t.Errorf("len(facts) = %d, want 1", len(facts))
	}
}

func TestQuery_YearHint(t *testing.T) {
	querier := &mockQuerier{
		byYearFunc: func(_ context.Context, category string, year, _ int32) ([]Fact, error) {
			if category != CategoryExperience || year != 2022 {
				t.Errorf("got (%q, %d), want (experience, 2022)", category, year)
			}
			return []Fact{{Title: "role in 2022"}}, nil
		},
	}

	store := New(querier, log.NewNop())
	facts, err := store.Query(context.Background(), "what were they doing in 2022?", Hints{
		Category: CategoryExperience,
		Year:     2022,
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(facts) != 1 {
		t.Errorf("len(facts) = %d, want 1", len(facts))
	}
}

func TestQuery_UnknownCategoryDiscarded(t *testing.T) {
	querier := &mockQuerier{
		keywordFunc: func(_ context.Context, category string, keywords []string, _ int32) ([]Fact, error) {
			if category != "" {
				t.Errorf("category = %q, want unknown hint discarded", category)
			}
			if len(keywords) == 0 {
				t.Error("no keywords extracted from question")
			}
			return nil, nil
		},
	}

	store := New(querier, log.NewNop())
	_, err := store.Query(context.Background(), "tell me about kubernetes experience", Hints{
		Category: "hobbies",
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
}

func TestQuery_NoHintsFallsBackToQuestionWords(t *testing.T) {
	var got []string
	querier := &mockQuerier{
		keywordFunc: func(_ context.Context, _ string, keywords []string, _ int32) ([]Fact, error) {
			got = keywords
			return nil, nil
		},
	}

	store := New(querier, log.NewNop())
	_, err := store.Query(context.Background(), "Did they use PostgreSQL at work?", Hints{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	found := false
	for _, kw := range got {
		if kw == "postgresql" {
			found = true
		}
	}
	if !found {
		t.Errorf("keywords = %v, want lowercase postgresql included", got)
	}
}

func TestIngest_RejectsUnknownCategory(t *testing.T) {
	querier := &mockQuerier{
		insertFunc: func(_ context.Context, _ Fact) error {
			t.Error("InsertFact called for invalid fact")
			return nil
		},
	}

	store := New(querier, log.NewNop())
	err := store.Ingest(context.Background(), []Fact{
		{Category: "hobby", Title: "chess"},
	})
	if err == nil {
		t.Error("Ingest() accepted unknown category")
	}
}

func TestIngest_WritesAll(t *testing.T) {
	var titles []string
	querier := &mockQuerier{
		insertFunc: func(_ context.Context, fact Fact) error {
			titles = append(titles, fact.Title)
			return nil
		},
	}

	store := New(querier, log.NewNop())
	err := store.Ingest(context.Background(), []Fact{
		{Category: CategorySkill, Title: "Go"},
		{Category: CategorySkill, Title: "PostgreSQL"},
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(titles) != 2 {
		t.Errorf("wrote %d facts, want 2", len(titles))
	}
}

func TestSignificantWords(t *testing.T) {
	words := significantWords("How do I get in touch with them?")
	for _, w := range words {
		if len(w) < 4 {
			t.Errorf("short word %q not filtered", w)
		}
	}

	if got := significantWords("a an it"); len(got) != 0 {
		t.Errorf("significantWords(short words) = %v, want empty", got)
	}
}
