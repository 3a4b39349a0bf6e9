package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/folio-ai/folio/internal/app"
	"github.com/folio-ai/folio/internal/config"
	"github.com/folio-ai/folio/internal/knowledge"
	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/profile"
)

// seedFile is the on-disk ingest format: structured facts for the profile
// store and free-text documents for the semantic store.
type seedFile struct {
	Facts     []seedFact     `json:"facts"`
	Documents []seedDocument `json:"documents"`
}

// seedFact mirrors profile.Fact with human-friendly YYYY-MM-DD dates.
type seedFact struct {
	Category  string         `json:"category"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartedOn string         `json:"startedOn,omitempty"`
	EndedOn   string         `json:"endedOn,omitempty"`
}

type seedDocument struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// seedDateLayout is the date format accepted for fact date ranges.
const seedDateLayout = "2006-01-02"

// loadSeedFile reads and converts a seed file into store-level types.
func loadSeedFile(path string) ([]profile.Fact, []knowledge.Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's CLI args
	if err != nil {
		return nil, nil, fmt.Errorf("reading seed file: %w", err)
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, nil, fmt.Errorf("parsing seed file: %w", err)
	}

	facts := make([]profile.Fact, 0, len(seed.Facts))
	for i, sf := range seed.Facts {
		fact := profile.Fact{
			Category: sf.Category,
			Title:    sf.Title,
			Body:     sf.Body,
			Metadata: sf.Metadata,
		}
		if sf.StartedOn != "" {
			started, err := time.Parse(seedDateLayout, sf.StartedOn)
			if err != nil {
				return nil, nil, fmt.Errorf("fact %d: invalid startedOn %q: %w", i, sf.StartedOn, err)
			}
			fact.StartedOn = &started
		}
		if sf.EndedOn != "" {
			ended, err := time.Parse(seedDateLayout, sf.EndedOn)
			if err != nil {
				return nil, nil, fmt.Errorf("fact %d: invalid endedOn %q: %w", i, sf.EndedOn, err)
			}
			fact.EndedOn = &ended
		}
		facts = append(facts, fact)
	}

	docs := make([]knowledge.Document, 0, len(seed.Documents))
	for i, sd := range seed.Documents {
		if sd.ID == "" {
			return nil, nil, fmt.Errorf("document %d: id is required", i)
		}
		if sd.Content == "" {
			return nil, nil, fmt.Errorf("document %d: content is required", i)
		}
		docs = append(docs, knowledge.Document{
			ID:       sd.ID,
			Content:  sd.Content,
			Metadata: sd.Metadata,
		})
	}

	return facts, docs, nil
}

// runIngest loads a seed file into the profile and knowledge stores.
func runIngest(logger log.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: folio ingest <file>")
	}

	facts, docs, err := loadSeedFile(args[0])
	if err != nil {
		return err
	}
	if len(facts) == 0 && len(docs) == 0 {
		return fmt.Errorf("seed file %s contains no facts or documents", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if len(facts) > 0 {
		if err := a.Profile.Ingest(ctx, facts); err != nil {
			return fmt.Errorf("ingesting facts: %w", err)
		}
		logger.Info("profile facts ingested", "count", len(facts))
	}

	// Documents go one at a time: each needs an embedding call.
	for _, doc := range docs {
		if err := a.Knowledge.Add(ctx, doc); err != nil {
			return fmt.Errorf("ingesting document %s: %w", doc.ID, err)
		}
	}
	if len(docs) > 0 {
		logger.Info("documents ingested", "count", len(docs))
	}

	stats, err := a.Knowledge.Stats(ctx)
	if err != nil {
		logger.Warn("failed to read knowledge stats", "error", err)
		return nil
	}

	fmt.Println("Knowledge base by category:")
	for category, count := range stats {
		fmt.Printf("  %-16s %d\n", category, count)
	}
	return nil
}
